package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Email)(nil)

// SMTPConfig configures the Email notifier. Port 465 uses implicit TLS; any
// other port upgrades with STARTTLS when the server offers it.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// DefaultTo receives notifications that carry no recipient.
	DefaultTo string
}

// Email sends notifications over SMTP as multipart/alternative messages:
// the markdown source as text/plain and its rendered, sanitized HTML.
type Email struct {
	cfg      SMTPConfig
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	now      func() time.Time
}

// NewEmail creates an Email notifier.
func NewEmail(cfg SMTPConfig) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Email{
		cfg:      cfg,
		markdown: goldmark.New(),
		policy:   bluemonday.UGCPolicy(),
		now:      time.Now,
	}
}

// Channel implements driven.Notifier.
func (e *Email) Channel() model.Channel { return model.ChannelEmail }

// Send delivers n to n.Recipient, or to DefaultTo when the recipient is empty.
func (e *Email) Send(ctx context.Context, n model.Notification) error {
	to := n.Recipient
	if to == "" {
		to = e.cfg.DefaultTo
	}
	if to == "" {
		return errors.New("email: no recipient")
	}

	msg, err := e.buildMessage(to, n.Subject, n.Message)
	if err != nil {
		return err
	}

	return e.deliver(ctx, to, msg)
}

// buildMessage renders the MIME message for one notification.
func (e *Email) buildMessage(to, subject, body string) ([]byte, error) {
	var html bytes.Buffer
	if err := e.markdown.Convert([]byte(body), &html); err != nil {
		return nil, fmt.Errorf("email: render markdown: %w", err)
	}
	safeHTML := e.policy.SanitizeBytes(html.Bytes())

	var h mail.Header
	h.SetDate(e.now())
	h.SetAddressList("From", []*mail.Address{{Address: e.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("email: message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("email: create writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("email: create inline: %w", err)
	}

	parts := []struct {
		contentType string
		content     []byte
	}{
		{"text/plain", []byte(body)},
		{"text/html", safeHTML},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("email: create %s part: %w", p.contentType, err)
		}
		if _, err := w.Write(p.content); err != nil {
			return nil, fmt.Errorf("email: write %s part: %w", p.contentType, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("email: close %s part: %w", p.contentType, err)
		}
	}

	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("email: close inline: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("email: close message: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Email) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	tlsConfig := &tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	if e.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("email: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("email: smtp handshake: %w", err)
	}
	defer c.Close()

	if e.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("email: starttls: %w", err)
			}
		}
	}

	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}

	if err := c.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("email: rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: end data: %w", err)
	}

	return c.Quit()
}
