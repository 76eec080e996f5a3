// Package transport holds the two stateful protocol clients: the SMTP
// sender and the IMAP appender/scanner. Sessions are opened once per chunk
// and reused across recipients; callers reopen on a TransportError instead
// of aborting the remaining chunk.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"courier/internal/domain"
)

const connectTimeout = 30 * time.Second

// SMTPSession wraps one authenticated submission connection.
type SMTPSession struct {
	client *smtp.Client
	host   string
}

// OpenSMTP dials the mailbox's submission endpoint, enforces the configured
// TLS mode before authenticating, and returns a reusable session.
func OpenSMTP(ctx context.Context, mb domain.Mailbox) (*SMTPSession, error) {
	addr := fmt.Sprintf("%s:%d", mb.SMTPHost, mb.SMTPPort)
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	var err error
	if mb.SMTPTLS == domain.TLSImplicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: mb.SMTPHost}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &ConnectError{Op: "smtp", Addr: addr, Err: err}
	}

	c, err := smtp.NewClient(conn, mb.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Op: "smtp", Addr: addr, Err: err}
	}

	if mb.SMTPTLS == domain.TLSStartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: mb.SMTPHost}); err != nil {
			_ = c.Close()
			return nil, &ConnectError{Op: "smtp", Addr: addr, Err: fmt.Errorf("starttls: %w", err)}
		}
	}

	if mb.SMTPUsername != "" {
		auth := smtp.PlainAuth("", mb.SMTPUsername, mb.SMTPPassword, mb.SMTPHost)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, &ConnectError{Op: "smtp", Addr: addr, Err: fmt.Errorf("auth: %w", err)}
		}
	}

	return &SMTPSession{client: c, host: mb.SMTPHost}, nil
}

// Send submits one RFC 5322 message. The session stays usable for the next
// recipient on success; on error the caller must discard it and reopen.
func (s *SMTPSession) Send(from, to string, raw []byte) error {
	if err := s.client.Mail(from); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("MAIL FROM: %w", err)}
	}
	if err := s.client.Rcpt(to); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("RCPT TO: %w", err)}
	}
	w, err := s.client.Data()
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("DATA: %w", err)}
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return &TransportError{Op: "send", Err: err}
	}
	if err := w.Close(); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("DATA close: %w", err)}
	}
	return nil
}

func (s *SMTPSession) Close() {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Quit(); err != nil {
		_ = s.client.Close()
	}
}
