package store

import (
	"time"

	"courier/internal/domain"
)

type RecipientUpsert struct {
	CampaignID int64
	Email      string
	Name       string
	Meta       map[string]string
	Now        time.Time
}

// MessageEnsure creates the message row for (campaign, recipient) if absent
// and returns the stored row either way, so a retried chunk reuses the
// message identifier generated by the first run.
type MessageEnsure struct {
	CampaignID  int64
	RecipientID int64
	MessageID   string
	Now         time.Time
}

type ChunkReportInsert struct {
	CampaignID int64
	ChunkIndex int
	Attempted  int
	Sent       int
	Failed     int
	Skipped    int
	Diagnostic string
	Now        time.Time
}

type DeliveryEventInsert struct {
	MessageInstanceID *int64 // nil when the signal could not be matched
	Kind              domain.EventKind
	Diagnostic        string
	SourceMessageID   string
	Now               time.Time
}

type LinkClickInsert struct {
	LinkID            int64
	MessageInstanceID int64
	Now               time.Time
}

type OpenEventInsert struct {
	MessageInstanceID int64
	Now               time.Time
}

type CampaignCounts struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
}

// RecipientExport is one row of the courierctl CSV export.
type RecipientExport struct {
	Email     string
	Name      string
	Status    domain.MessageStatus
	SentAt    *time.Time
	BouncedAt *time.Time
	Opens     int
	Clicks    int
}
