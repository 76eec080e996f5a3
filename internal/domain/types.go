package domain

import "time"

// CampaignStatus transitions DRAFT -> SENDING -> {DONE, FAILED}.
// SENDING is re-entrant: a retried run resumes, it never restarts.
type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "DRAFT"
	CampaignSending CampaignStatus = "SENDING"
	CampaignDone    CampaignStatus = "DONE"
	CampaignFailed  CampaignStatus = "FAILED"
)

// MessageStatus is monotonic per recipient: PENDING -> {SENT, FAILED},
// and SENT/FAILED -> BOUNCED via reconciliation. Never back to PENDING.
type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
	MessageBounced MessageStatus = "BOUNCED"
)

// EventKind classifies a reconciled inbound mailbox signal.
type EventKind string

const (
	EventBounce   EventKind = "BOUNCE"
	EventDeferred EventKind = "DEFERRED"
	EventReply    EventKind = "REPLY"
)

type TLSMode string

const (
	TLSImplicit TLSMode = "tls"      // implicit TLS on connect (SMTPS / IMAPS)
	TLSStartTLS TLSMode = "starttls" // upgrade after greeting
	TLSNone     TLSMode = "none"
)

// Mailbox is the sending identity: one SMTP submission endpoint plus the
// IMAP account whose Sent folder mirrors outbound mail and whose bounce
// folder is scanned by the reconciler.
type Mailbox struct {
	ID           int64
	Name         string
	FromName     string
	FromEmail    string
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      TLSMode
	SMTPUsername string
	SMTPPassword string
	IMAPHost     string
	IMAPPort     int
	IMAPTLS      TLSMode
	IMAPUsername string
	IMAPPassword string
	SentFolder   string
	BounceFolder string
}

// Domain returns the addr-spec domain of the from address, used as the
// right-hand side of generated message identifiers.
func (m Mailbox) Domain() string {
	for i := len(m.FromEmail) - 1; i >= 0; i-- {
		if m.FromEmail[i] == '@' {
			return m.FromEmail[i+1:]
		}
	}
	return m.FromEmail
}

type Campaign struct {
	ID               int64
	MailboxID        int64
	Name             string
	Subject          string
	TemplateMarkdown string
	Status           CampaignStatus
	ChunkSize        int           // 0 = use configured default
	ChunkDelay       time.Duration // optional inter-send throttle override
	CreatedAt        time.Time
}

type Recipient struct {
	ID           int64
	CampaignID   int64
	Email        string
	Name         string
	Unsubscribed bool
	Meta         map[string]string
}

// MessageInstance is the per-recipient delivery record and the unit of
// idempotency: once SENT, no re-execution may send to that recipient again.
type MessageInstance struct {
	ID          int64
	CampaignID  int64
	RecipientID int64
	MessageID   string // structured RFC 5322 msg-id, see msgid package
	Status      MessageStatus
	LastError   string
	SentAt      *time.Time
	BouncedAt   *time.Time
	OpenedAt    *time.Time
	OpenCount   int
	ClickCount  int
}

// Link is one distinct destination URL within a campaign, identified by a
// stable token so clicks aggregate per URL.
type Link struct {
	ID         int64
	CampaignID int64
	URL        string
	Token      string
}

// ChunkReport is the outcome of dispatching one chunk of recipients.
type ChunkReport struct {
	CampaignID int64
	ChunkIndex int
	Attempted  int
	Sent       int
	Failed     int
	Skipped    int
	Errors     []string // sample of per-recipient diagnostics
}

// SyncReport is the outcome of one reconciliation pass over a mailbox.
type SyncReport struct {
	MailboxID int64
	Fetched   int
	Bounces   int
	Deferred  int
	Replies   int
	Unmatched int
}

// Command is the explicit variant type for operator actions. Dispatch is by
// switch on Kind, never by string-keyed lookup.
type Command struct {
	Kind      CommandKind
	Campaign  int64
	Mailbox   int64
	ChunkSize int
	Sleep     time.Duration
	DryRun    bool
	File      string // CSV path for import
}

type CommandKind int

const (
	CmdSchedule CommandKind = iota
	CmdDispatch
	CmdSync
	CmdExport
	CmdImport
)
