package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"courier/internal/domain"
)

// buildMessage assembles the outbound RFC 5322 message: multipart/alternative
// with text and HTML parts, the structured Message-ID, and any tracking
// headers from the instrumentor.
func buildMessage(campaign domain.Campaign, mb domain.Mailbox, rec domain.Recipient, messageID, text, html string, extra map[string]string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: mb.FromName, Address: mb.FromEmail}})
	h.SetAddressList("To", []*mail.Address{{Name: rec.Name, Address: rec.Email}})
	h.SetSubject(campaign.Subject)
	h.Set("Message-Id", messageID)
	for k, v := range extra {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create alternative: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(pw, text); err != nil {
		return nil, err
	}
	_ = pw.Close()

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	pw, err = tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(pw, html); err != nil {
		return nil, err
	}
	_ = pw.Close()

	_ = tw.Close()
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}
