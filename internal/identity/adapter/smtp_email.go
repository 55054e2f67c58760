package adapter

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/identity/app"
)

var (
	_ app.EmailNotifier = (*SMTPEmailNotifier)(nil)
	_ app.EmailNotifier = (*LogEmailNotifier)(nil)
)

// SMTPConfig configures SMTPEmailNotifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password domain.SecretString
	From     string
	// StartTLS upgrades the session when the server offers it. Required
	// for PLAIN auth against anything but localhost.
	StartTLS bool
}

// SMTPEmailNotifier sends multipart text and HTML mail over SMTP. The dial
// and the whole session are bounded by the caller's context.
type SMTPEmailNotifier struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	startTLS bool
	dialer   net.Dialer
}

// NewSMTPEmailNotifier validates cfg and returns a notifier.
func NewSMTPEmailNotifier(cfg SMTPConfig) (*SMTPEmailNotifier, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp: host and port: %w", domain.ErrConfigRequired)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp: from: %w", domain.ErrConfigRequired)
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password.Expose() != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password.Expose(), cfg.Host)
	}

	return &SMTPEmailNotifier{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		from:     cfg.From,
		auth:     auth,
		startTLS: cfg.StartTLS,
	}, nil
}

// SendEmail delivers msg and returns the Message-ID header it was sent with.
func (n *SMTPEmailNotifier) SendEmail(ctx context.Context, msg app.EmailMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "smtp.send")
	defer span.End()

	if msg.To == "" {
		return "", fmt.Errorf("smtp: no recipient: %w", domain.ErrInvalidInput)
	}

	messageID := fmt.Sprintf("<%s@%s>", ulid.Make().String(), n.host)
	raw := n.compose(msg, messageID)

	if err := n.deliver(ctx, msg.To, raw); err != nil {
		return "", spanError(span, fmt.Errorf("smtp: send to %s: %w", maskAddress(msg.To), err))
	}
	return messageID, nil
}

func (n *SMTPEmailNotifier) deliver(ctx context.Context, to string, raw []byte) error {
	conn, err := n.dialer.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock any in-flight read or write when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, n.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if n.startTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: n.host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if n.auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(n.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(n.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

func (n *SMTPEmailNotifier) compose(msg app.EmailMessage, messageID string) []byte {
	body, contentType := buildBody(msg)

	headers := []string{
		"From: " + n.from,
		"To: " + msg.To,
		"Subject: " + msg.Subject,
		"Message-ID: " + messageID,
		"MIME-Version: 1.0",
		"Content-Type: " + contentType,
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)
}

func buildBody(msg app.EmailMessage) (body, contentType string) {
	if msg.HTMLBody != "" && msg.TextBody != "" {
		boundary := multipartBoundary()
		var sb strings.Builder
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.TextBody)
		sb.WriteString("\r\n")
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.HTMLBody)
		sb.WriteString("\r\n")
		fmt.Fprintf(&sb, "--%s--", boundary)
		return sb.String(), "multipart/alternative; boundary=" + boundary
	}
	if msg.HTMLBody != "" {
		return msg.HTMLBody, "text/html; charset=UTF-8"
	}
	return msg.TextBody, "text/plain; charset=UTF-8"
}

func multipartBoundary() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "identity-boundary-" + ulid.Make().String()
	}
	return "identity-boundary-" + hex.EncodeToString(b[:])
}

// LogEmailNotifier writes outbound mail to the log. Local development only:
// the text body, login link included, lands in the log.
type LogEmailNotifier struct {
	logger *slog.Logger
}

// NewLogEmailNotifier creates a LogEmailNotifier.
func NewLogEmailNotifier(logger *slog.Logger) *LogEmailNotifier {
	return &LogEmailNotifier{logger: logger}
}

func (n *LogEmailNotifier) SendEmail(ctx context.Context, msg app.EmailMessage) (string, error) {
	id := "log-" + ulid.Make().String()
	n.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("to", maskAddress(msg.To)),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.TextBody),
		slog.String("message_id", id),
	)
	return id, nil
}

// maskAddress keeps the first character of the local part and the domain.
func maskAddress(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
