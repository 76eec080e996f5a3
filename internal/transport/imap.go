package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"courier/internal/domain"
)

// IMAPSession wraps one authenticated IMAP connection, used either to
// append sent copies or to scan a bounce folder.
type IMAPSession struct {
	client *imapclient.Client
}

// InboundMessage is one unseen message fetched from the bounce folder.
type InboundMessage struct {
	UID       imap.UID
	MessageID string
	Subject   string
	From      string
	Raw       []byte
}

// OpenIMAP dials and authenticates per the mailbox configuration.
func OpenIMAP(ctx context.Context, mb domain.Mailbox) (*IMAPSession, error) {
	addr := fmt.Sprintf("%s:%d", mb.IMAPHost, mb.IMAPPort)

	var c *imapclient.Client
	var err error
	if mb.IMAPTLS == domain.TLSImplicit {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &ConnectError{Op: "imap", Addr: addr, Err: err}
	}

	if err := c.Login(mb.IMAPUsername, mb.IMAPPassword).Wait(); err != nil {
		_ = c.Logout().Wait()
		return nil, &ConnectError{Op: "imap", Addr: addr, Err: fmt.Errorf("login: %w", err)}
	}

	return &IMAPSession{client: c}, nil
}

// EnsureFolder creates the folder, ignoring "already exists" responses.
// Folder creation failure never blocks sending.
func (s *IMAPSession) EnsureFolder(folder string) error {
	if err := s.client.Create(folder, nil).Wait(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "exist") {
			return nil
		}
		return &TransportError{Op: "create", Err: err}
	}
	return nil
}

// Append stores a sent copy into the folder, flagged seen. It runs strictly
// after the SMTP server accepted the message.
func (s *IMAPSession) Append(folder string, raw []byte, now time.Time) error {
	cmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  now,
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return &TransportError{Op: "append", Err: err}
	}
	if err := cmd.Close(); err != nil {
		return &TransportError{Op: "append", Err: err}
	}
	if _, err := cmd.Wait(); err != nil {
		return &TransportError{Op: "append", Err: err}
	}
	return nil
}

// FetchUnseen selects the folder and returns every message without the seen
// flag, envelope plus full raw body.
func (s *IMAPSession) FetchUnseen(folder string) ([]InboundMessage, error) {
	if _, err := s.client.Select(folder, nil).Wait(); err != nil {
		return nil, &TransportError{Op: "select", Err: err}
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &TransportError{Op: "search", Err: err}
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	var out []InboundMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		m := InboundMessage{UID: buf.UID}
		if buf.Envelope != nil {
			m.MessageID = buf.Envelope.MessageID
			m.Subject = buf.Envelope.Subject
			if len(buf.Envelope.From) > 0 {
				m.From = buf.Envelope.From[0].Addr()
			}
		}
		m.Raw = buf.FindBodySection(bodySection)
		out = append(out, m)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, &TransportError{Op: "fetch", Err: err}
	}
	return out, nil
}

// MarkSeen flags a scanned message so the next sync pass skips it.
func (s *IMAPSession) MarkSeen(uid imap.UID) error {
	cmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return &TransportError{Op: "store", Err: err}
	}
	return nil
}

func (s *IMAPSession) Close() {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Logout().Wait()
}
