package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"

	"courier/internal/domain"
	"courier/internal/msgid"
	"courier/internal/observability"
	"courier/internal/store"
	"courier/internal/transport"
)

// Store is the record-store surface reconciliation needs. Bounce state is
// first-signal-wins: MarkMessageBounced reports false when a bounce was
// already recorded.
type Store interface {
	GetMailbox(ctx context.Context, id int64) (domain.Mailbox, bool, error)
	HasDeliveryEventForSource(ctx context.Context, sourceMessageID string) (bool, error)
	FindMessage(ctx context.Context, campaignID, recipientID int64) (domain.MessageInstance, bool, error)
	FindMessageByThreadRefs(ctx context.Context, refs []string) (domain.MessageInstance, bool, error)
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEventInsert) error
	MarkMessageBounced(ctx context.Context, id int64, now time.Time) (bool, error)
}

// Fetcher is the IMAP surface: scan unseen, flag processed.
type Fetcher interface {
	FetchUnseen(folder string) ([]transport.InboundMessage, error)
	MarkSeen(uid imap.UID) error
	Close()
}

type Reconciler struct {
	Store    Store
	OpenIMAP func(ctx context.Context, mb domain.Mailbox) (Fetcher, error)

	Now func() time.Time
}

func NewReconciler(st Store) *Reconciler {
	return &Reconciler{
		Store: st,
		OpenIMAP: func(ctx context.Context, mb domain.Mailbox) (Fetcher, error) {
			return transport.OpenIMAP(ctx, mb)
		},
		Now: time.Now,
	}
}

// SyncMailbox scans the mailbox's bounce folder once. Every unseen message
// is classified, matched back to a send where possible, recorded, and
// flagged seen so the next pass skips it. Processing is idempotent: a
// message whose source identifier was already recorded is only re-flagged.
func (r *Reconciler) SyncMailbox(ctx context.Context, mailboxID int64) (domain.SyncReport, error) {
	report := domain.SyncReport{MailboxID: mailboxID}

	mb, ok, err := r.Store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, fmt.Errorf("mailbox %d not found", mailboxID)
	}

	sess, err := r.OpenIMAP(ctx, mb)
	if err != nil {
		observability.SessionOpens.WithLabelValues("imap", "error").Inc()
		return report, err
	}
	defer sess.Close()
	observability.SessionOpens.WithLabelValues("imap", "ok").Inc()

	inbound, err := sess.FetchUnseen(mb.BounceFolder)
	if err != nil {
		return report, err
	}

	for _, msg := range inbound {
		report.Fetched++
		if err := r.processOne(ctx, sess, msg, &report); err != nil {
			// One malformed message never aborts the pass.
			slog.Error("reconcile message failed", "err", err, "uid", msg.UID, "mailbox_id", mailboxID)
		}
	}

	slog.Info("mailbox synced",
		"mailbox_id", mailboxID,
		"folder", mb.BounceFolder,
		"fetched", report.Fetched,
		"bounces", report.Bounces,
		"deferred", report.Deferred,
		"replies", report.Replies,
		"unmatched", report.Unmatched,
	)
	return report, nil
}

func (r *Reconciler) processOne(ctx context.Context, sess Fetcher, msg transport.InboundMessage, report *domain.SyncReport) error {
	if msg.MessageID != "" {
		seen, err := r.Store.HasDeliveryEventForSource(ctx, msg.MessageID)
		if err != nil {
			return err
		}
		if seen {
			return sess.MarkSeen(msg.UID)
		}
	}

	cls := Classify(msg.Raw)

	matched, ok, err := r.match(ctx, cls.Refs)
	if err != nil {
		return err
	}

	var instanceID *int64
	if ok {
		instanceID = &matched.ID
	} else {
		report.Unmatched++
		observability.SyncUnmatched.Inc()
	}

	diag := cls.Diagnostic
	if diag == "" {
		diag = msg.Subject
	}
	if err := r.Store.InsertDeliveryEvent(ctx, store.DeliveryEventInsert{
		MessageInstanceID: instanceID,
		Kind:              cls.Kind,
		Diagnostic:        diag,
		SourceMessageID:   msg.MessageID,
		Now:               r.Now(),
	}); err != nil {
		return err
	}

	switch cls.Kind {
	case domain.EventBounce:
		report.Bounces++
		if ok {
			if _, err := r.Store.MarkMessageBounced(ctx, matched.ID, r.Now()); err != nil {
				return err
			}
		}
	case domain.EventDeferred:
		report.Deferred++
	default:
		report.Replies++
	}
	observability.SyncEvents.WithLabelValues(string(cls.Kind)).Inc()

	return sess.MarkSeen(msg.UID)
}

// match resolves classified refs to a message instance. A ref embedding the
// structured identifier resolves directly by (campaign, recipient); only
// when no ref does are the raw tokens looked up as stored thread references.
func (r *Reconciler) match(ctx context.Context, refs []string) (domain.MessageInstance, bool, error) {
	for _, ref := range refs {
		campaignID, recipientID, ok := msgid.Parse(ref)
		if !ok {
			continue
		}
		mi, found, err := r.Store.FindMessage(ctx, campaignID, recipientID)
		if err != nil {
			return domain.MessageInstance{}, false, err
		}
		if found {
			return mi, true, nil
		}
	}
	if len(refs) == 0 {
		return domain.MessageInstance{}, false, nil
	}
	return r.Store.FindMessageByThreadRefs(ctx, refs)
}
