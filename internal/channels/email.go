package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantpulse/sentinel/pkg/alerting"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// Email delivers notifications over SMTP. Attachments (the daily summary
// PDF) ride along as a multipart/mixed part.
type Email struct {
	config EmailConfig
	logger *zap.Logger
}

// NewEmail creates an email channel for the given SMTP account.
func NewEmail(config EmailConfig, logger *zap.Logger) *Email {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Email{config: config, logger: logger}
}

// Name implements alerting.Channel.
func (e *Email) Name() string { return "email" }

// Send mails the notification to every configured recipient.
func (e *Email) Send(ctx context.Context, n alerting.Notification) error {
	if e.config.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if len(e.config.Recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	message := e.buildMessage(n)

	var auth smtp.Auth
	if e.config.Username != "" && e.config.Password != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	port := e.config.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", e.config.Host, port)

	done := make(chan error, 1)
	go func() {
		// Port 465 is implicit TLS; 587/25 use STARTTLS via SendMail.
		if port == 465 {
			done <- e.sendTLS(addr, auth, message)
		} else {
			done <- smtp.SendMail(addr, auth, e.config.From, e.config.Recipients, message)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("email send timeout")
	}

	e.logger.Debug("email notification delivered",
		zap.String("key", n.Key),
		zap.Int("recipients", len(e.config.Recipients)),
		zap.String("smtp_host", e.config.Host),
	)
	return nil
}

// buildMessage renders the full RFC 5322 message, multipart when the
// notification carries attachments.
func (e *Email) buildMessage(n alerting.Notification) []byte {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", e.config.From)
	header("To", strings.Join(e.config.Recipients, ", "))
	header("Subject", fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title))
	header("MIME-Version", "1.0")
	header("X-Mailer", "GrantPulse Sentinel")
	if n.Severity == alerting.SeverityCritical {
		header("X-Priority", "1")
		header("Importance", "high")
	}

	body := e.buildBody(n)

	if len(n.Attachments) == 0 {
		header("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(body)
		return buf.Bytes()
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	text, _ := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=UTF-8"},
	})
	fmt.Fprint(text, body)

	for _, att := range n.Attachments {
		mime := att.MIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", mime)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, att.Filename))
		part, _ := mw.CreatePart(h)
		writeBase64(part, att.Data)
	}
	mw.Close()
	return buf.Bytes()
}

func (e *Email) buildBody(n alerting.Notification) string {
	var b strings.Builder
	b.WriteString(n.Body)
	b.WriteString("\r\n\r\n--\r\n")
	if n.SourceID != "" {
		fmt.Fprintf(&b, "Source: %s\r\n", n.SourceID)
	}
	if n.RuleID != "" {
		fmt.Fprintf(&b, "Rule: %s\r\n", n.RuleID)
	}
	fmt.Fprintf(&b, "Severity: %s\r\nType: %s\r\n", n.Severity, n.Type)
	return b.String()
}

// sendTLS speaks SMTP over an implicit-TLS connection (port 465).
func (e *Email) sendTLS(addr string, auth smtp.Auth, message []byte) error {
	host := strings.Split(addr, ":")[0]
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err := client.Mail(e.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range e.config.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return writer.Close()
}

// writeBase64 writes data base64-encoded in RFC 2045 76-character lines.
func writeBase64(w io.Writer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		line := encoded
		if len(line) > 76 {
			line = line[:76]
		}
		fmt.Fprintf(w, "%s\r\n", line)
		encoded = encoded[len(line):]
	}
}
