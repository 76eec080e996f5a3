// Package dispatch is the campaign engine: the Dispatcher sends one chunk of
// recipients over a reused SMTP + IMAP session pair, and the Scheduler
// partitions a campaign into chunks and feeds the job queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"courier/internal/domain"
	"courier/internal/msgid"
	"courier/internal/observability"
	"courier/internal/render"
	"courier/internal/store"
	"courier/internal/tracking"
	"courier/internal/transport"
)

// Store is the record-store surface the dispatcher needs. The SENT
// transition must be atomic and conditional (writable only from non-SENT).
type Store interface {
	GetCampaign(ctx context.Context, id int64) (domain.Campaign, bool, error)
	GetMailbox(ctx context.Context, id int64) (domain.Mailbox, bool, error)
	GetRecipient(ctx context.Context, id int64) (domain.Recipient, bool, error)
	EnsureMessage(ctx context.Context, in store.MessageEnsure) (domain.MessageInstance, error)
	MarkMessageSent(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkMessageFailed(ctx context.Context, id int64, diagnostic string, now time.Time) error
	EnsureLink(ctx context.Context, campaignID int64, url, token string) (string, error)
	InsertChunkReport(ctx context.Context, in store.ChunkReportInsert) error
	PendingRecipientIDs(ctx context.Context, campaignID int64) ([]int64, error)
	TransitionCampaign(ctx context.Context, id int64, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error)
	CampaignCounts(ctx context.Context, campaignID int64) (store.CampaignCounts, error)
	RecentChunkDiagnostics(ctx context.Context, campaignID int64, limit int) ([]string, error)
}

// SMTPSender and IMAPAppender are the session surfaces the dispatcher uses;
// the transport package provides the real ones.
type SMTPSender interface {
	Send(from, to string, raw []byte) error
	Close()
}

type IMAPAppender interface {
	EnsureFolder(folder string) error
	Append(folder string, raw []byte, now time.Time) error
	Close()
}

type Renderer interface {
	Render(template string, ctx render.Context) (string, error)
}

type Dispatcher struct {
	Store    Store
	Renderer Renderer

	OpenSMTP func(ctx context.Context, mb domain.Mailbox) (SMTPSender, error)
	OpenIMAP func(ctx context.Context, mb domain.Mailbox) (IMAPAppender, error)

	// Instrument builds the per-recipient instrumentor; the default wires
	// the store-backed link resolver. Tests substitute their own.
	Instrument *tracking.Instrumentor

	PublicBaseURL string
	Limiter       *rate.Limiter          // paces outbound sends
	Breaker       *gobreaker.CircuitBreaker // wraps SMTP session open
	SendDelay     time.Duration          // optional inter-send sleep override
	DryRun        bool                   // render and build only, no I/O or state writes

	Now func() time.Time
}

// NewDispatcher wires the production dispatcher: real transports,
// store-backed link tokens.
func NewDispatcher(st Store, r Renderer, baseURL string, newToken func() string) *Dispatcher {
	return &Dispatcher{
		Store:    st,
		Renderer: r,
		OpenSMTP: func(ctx context.Context, mb domain.Mailbox) (SMTPSender, error) {
			return transport.OpenSMTP(ctx, mb)
		},
		OpenIMAP: func(ctx context.Context, mb domain.Mailbox) (IMAPAppender, error) {
			return transport.OpenIMAP(ctx, mb)
		},
		Instrument: &tracking.Instrumentor{
			BaseURL: baseURL,
			Resolve: func(ctx context.Context, campaignID int64, url string) (string, error) {
				return st.EnsureLink(ctx, campaignID, url, newToken())
			},
		},
		PublicBaseURL: baseURL,
		Now:           time.Now,
	}
}

// DispatchChunk sends to the given recipients in order. One recipient's
// failure never aborts the chunk; a connect failure before any recipient is
// processed is returned so the job facility retries the whole chunk.
func (d *Dispatcher) DispatchChunk(ctx context.Context, campaignID int64, recipientIDs []int64, chunkIndex int) (domain.ChunkReport, error) {
	report := domain.ChunkReport{CampaignID: campaignID, ChunkIndex: chunkIndex}

	campaign, ok, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, fmt.Errorf("campaign %d not found", campaignID)
	}
	mb, ok, err := d.Store.GetMailbox(ctx, campaign.MailboxID)
	if err != nil {
		return report, err
	}
	if !ok {
		return report, fmt.Errorf("mailbox %d not found", campaign.MailboxID)
	}

	var smtpSess SMTPSender
	var imapSess IMAPAppender
	if !d.DryRun {
		smtpSess, err = d.openSMTP(ctx, mb)
		if err != nil {
			observability.SessionOpens.WithLabelValues("smtp", "error").Inc()
			return report, err
		}
		// A failed mid-chunk reopen leaves the session nil.
		defer func() {
			if smtpSess != nil {
				smtpSess.Close()
			}
		}()
		observability.SessionOpens.WithLabelValues("smtp", "ok").Inc()

		imapSess, err = d.OpenIMAP(ctx, mb)
		if err != nil {
			observability.SessionOpens.WithLabelValues("imap", "error").Inc()
			return report, err
		}
		defer func() {
			if imapSess != nil {
				imapSess.Close()
			}
		}()
		observability.SessionOpens.WithLabelValues("imap", "ok").Inc()

		if err := imapSess.EnsureFolder(mb.SentFolder); err != nil {
			// Folder creation failure never blocks sending.
			slog.Warn("sent folder create failed", "err", err, "folder", mb.SentFolder)
		}
	}

	delay := d.SendDelay
	if delay == 0 {
		delay = campaign.ChunkDelay
	}

	var sessionLost error
	for i, rid := range recipientIDs {
		if sessionLost != nil {
			// The session could not be reopened mid-chunk: record the
			// remaining recipients instead of silently skipping them.
			d.failRemaining(ctx, campaign, mb, recipientIDs[i:], sessionLost, &report)
			break
		}

		outcome, err := d.dispatchOne(ctx, campaign, mb, rid, smtpSess, imapSess, delay)
		switch outcome {
		case outcomeSkipped:
			report.Skipped++
		case outcomeSent:
			report.Attempted++
			report.Sent++
		case outcomeFailed:
			report.Attempted++
			report.Failed++
			if err != nil && len(report.Errors) < 5 {
				report.Errors = append(report.Errors, err.Error())
			}
			// A transport error poisons the session; reopen for the next
			// recipient rather than aborting the chunk.
			var te *transport.TransportError
			if errors.As(err, &te) && !d.DryRun {
				smtpSess.Close()
				imapSess.Close()
				smtpSess, err = d.openSMTP(ctx, mb)
				if err != nil {
					sessionLost = err
					continue
				}
				imapSess, err = d.OpenIMAP(ctx, mb)
				if err != nil {
					sessionLost = err
					continue
				}
			}
		}
	}

	if !d.DryRun {
		diag := ""
		if len(report.Errors) > 0 {
			diag = report.Errors[0]
		}
		if err := d.Store.InsertChunkReport(ctx, store.ChunkReportInsert{
			CampaignID: campaignID,
			ChunkIndex: chunkIndex,
			Attempted:  report.Attempted,
			Sent:       report.Sent,
			Failed:     report.Failed,
			Skipped:    report.Skipped,
			Diagnostic: diag,
			Now:        d.Now(),
		}); err != nil {
			return report, err
		}
	}

	observability.Chunks.WithLabelValues(chunkResult(report)).Inc()
	slog.Info("chunk dispatched",
		"campaign_id", campaignID,
		"chunk_index", chunkIndex,
		"attempted", report.Attempted,
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"dry_run", d.DryRun,
	)
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

func (d *Dispatcher) dispatchOne(ctx context.Context, campaign domain.Campaign, mb domain.Mailbox, recipientID int64, smtpSess SMTPSender, imapSess IMAPAppender, delay time.Duration) (outcome, error) {
	now := d.Now()

	rec, ok, err := d.Store.GetRecipient(ctx, recipientID)
	if err != nil {
		return outcomeFailed, err
	}
	if !ok {
		return outcomeSkipped, nil
	}
	if rec.Unsubscribed {
		return outcomeSkipped, nil
	}

	mi, err := d.Store.EnsureMessage(ctx, store.MessageEnsure{
		CampaignID:  campaign.ID,
		RecipientID: rec.ID,
		MessageID:   msgid.Generate(campaign.ID, rec.ID, mb.Domain()),
		Now:         now,
	})
	if err != nil {
		return outcomeFailed, err
	}
	// Idempotency across re-execution: a recipient already SENT is never
	// sent again.
	if mi.Status == domain.MessageSent {
		return outcomeSkipped, nil
	}

	raw, err := d.buildFor(ctx, campaign, mb, rec, mi)
	if err != nil {
		return d.fail(ctx, mi.ID, fmt.Errorf("render: %w", err))
	}

	if d.DryRun {
		return outcomeSent, nil
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return d.fail(ctx, mi.ID, err)
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return d.fail(ctx, mi.ID, ctx.Err())
		}
	}

	start := time.Now()
	if err := smtpSess.Send(mb.FromEmail, rec.Email, raw); err != nil {
		observability.Sends.WithLabelValues("error").Inc()
		return d.fail(ctx, mi.ID, err)
	}
	observability.Sends.WithLabelValues("ok").Inc()
	observability.SendLatency.Observe(time.Since(start).Seconds())

	// The Sent-folder copy happens strictly after the network accepted the
	// message, never before.
	if err := imapSess.Append(mb.SentFolder, raw, d.Now()); err != nil {
		observability.Appends.WithLabelValues("error").Inc()
		return d.fail(ctx, mi.ID, fmt.Errorf("append after accepted send: %w", err))
	}
	observability.Appends.WithLabelValues("ok").Inc()

	wrote, err := d.Store.MarkMessageSent(ctx, mi.ID, d.Now())
	if err != nil {
		return outcomeFailed, err
	}
	if !wrote {
		// A concurrent re-execution of an overlapping chunk won the SENT
		// race; treat as already done.
		return outcomeSkipped, nil
	}
	return outcomeSent, nil
}

// buildFor renders the template, instruments the HTML, and assembles the
// wire message for one recipient.
func (d *Dispatcher) buildFor(ctx context.Context, campaign domain.Campaign, mb domain.Mailbox, rec domain.Recipient, mi domain.MessageInstance) ([]byte, error) {
	rctx := render.Context{
		Campaign:      campaign,
		Recipient:     rec,
		Message:       mi,
		PublicBaseURL: d.PublicBaseURL,
	}
	if d.PublicBaseURL != "" {
		rctx.UnsubscribeURL = fmt.Sprintf("%s/unsub/%d/", d.PublicBaseURL, rec.ID)
		rctx.OpenURL = fmt.Sprintf("%s/o/%d/p.png", d.PublicBaseURL, mi.ID)
	}

	html, err := d.Renderer.Render(campaign.TemplateMarkdown, rctx)
	if err != nil {
		return nil, err
	}

	out, err := d.Instrument.Instrument(ctx, html, tracking.Input{
		CampaignID:  campaign.ID,
		RecipientID: rec.ID,
		MessageID:   mi.ID,
	})
	if err != nil {
		return nil, err
	}

	return buildMessage(campaign, mb, rec, mi.MessageID, out.Text, out.HTML, out.Headers, d.Now())
}

func (d *Dispatcher) fail(ctx context.Context, messageInstanceID int64, cause error) (outcome, error) {
	if !d.DryRun {
		if err := d.Store.MarkMessageFailed(ctx, messageInstanceID, cause.Error(), d.Now()); err != nil {
			slog.Error("mark message failed errored", "err", err, "message_instance_id", messageInstanceID)
		}
	}
	return outcomeFailed, cause
}

// failRemaining records the tail of a chunk whose session could not be
// reopened, so the failure is visible per recipient and in the report.
func (d *Dispatcher) failRemaining(ctx context.Context, campaign domain.Campaign, mb domain.Mailbox, recipientIDs []int64, cause error, report *domain.ChunkReport) {
	for _, rid := range recipientIDs {
		rec, ok, err := d.Store.GetRecipient(ctx, rid)
		if err != nil || !ok || rec.Unsubscribed {
			report.Skipped++
			continue
		}
		mi, err := d.Store.EnsureMessage(ctx, store.MessageEnsure{
			CampaignID:  campaign.ID,
			RecipientID: rec.ID,
			MessageID:   msgid.Generate(campaign.ID, rec.ID, mb.Domain()),
			Now:         d.Now(),
		})
		if err != nil {
			continue
		}
		if mi.Status == domain.MessageSent {
			report.Skipped++
			continue
		}
		report.Attempted++
		report.Failed++
		_ = d.Store.MarkMessageFailed(ctx, mi.ID, "session lost: "+cause.Error(), d.Now())
	}
	if len(report.Errors) < 5 {
		report.Errors = append(report.Errors, "session lost: "+cause.Error())
	}
}

func (d *Dispatcher) openSMTP(ctx context.Context, mb domain.Mailbox) (SMTPSender, error) {
	if d.Breaker == nil {
		return d.OpenSMTP(ctx, mb)
	}
	res, err := d.Breaker.Execute(func() (any, error) {
		return d.OpenSMTP(ctx, mb)
	})
	if err != nil {
		return nil, err
	}
	return res.(SMTPSender), nil
}

func chunkResult(r domain.ChunkReport) string {
	if r.Failed > 0 {
		return "partial"
	}
	return "ok"
}
