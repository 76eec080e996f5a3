package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/domain"
	"courier/internal/observability"
)

// Queue is the asynchronous job facility: at-least-once delivery with
// scheduled retry, injected so tests can substitute an in-memory fake.
type Queue interface {
	EnqueueChunk(ctx context.Context, campaignID int64, chunkIndex int, recipientIDs []int64) error
	EnqueueFinalize(ctx context.Context, campaignID int64, delay time.Duration) error
}

// ErrChunksInFlight is returned by FinalizeCampaign while recipients are
// still pending; the job facility redrives the finalize job with backoff.
var ErrChunksInFlight = fmt.Errorf("chunks still in flight")

type Scheduler struct {
	Store Store
	Queue Queue

	DefaultChunkSize int
	FinalizeDelay    time.Duration

	Now func() time.Time
}

// ScheduleCampaign partitions the campaign's pending recipients into ordered
// chunks and enqueues each as an independent unit of work. Re-invoking on a
// campaign already SENDING resumes: recipients already SENT are never
// re-enqueued. DONE and FAILED campaigns are left alone.
func (s *Scheduler) ScheduleCampaign(ctx context.Context, campaignID int64, chunkSize int) error {
	now := s.now()

	campaign, ok, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %d not found", campaignID)
	}
	if campaign.Status == domain.CampaignDone || campaign.Status == domain.CampaignFailed {
		slog.Info("campaign already finished, not scheduling", "campaign_id", campaignID, "status", campaign.Status)
		return nil
	}

	if chunkSize <= 0 {
		chunkSize = campaign.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = s.DefaultChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = 100
	}

	ids, err := s.Store.PendingRecipientIDs(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		// Nothing pending: a fresh campaign with no recipients completes
		// immediately; a resumed one just gets its accounting pass.
		if _, err := s.Store.TransitionCampaign(ctx, campaignID,
			[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignSending},
			domain.CampaignDone, now); err != nil {
			return err
		}
		slog.Info("campaign has no pending recipients", "campaign_id", campaignID)
		return nil
	}

	// SENDING is set before the first chunk goes out; the transition is
	// guarded so concurrent schedulers cannot restart a finished campaign.
	moved, err := s.Store.TransitionCampaign(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignSending},
		domain.CampaignSending, now)
	if err != nil {
		return err
	}
	if !moved {
		// The campaign was finalized between the status check above and
		// this write; enqueuing chunks now would restart a finished run.
		slog.Info("campaign finished concurrently, not scheduling", "campaign_id", campaignID)
		return nil
	}

	chunks := Partition(ids, chunkSize)
	for i, chunk := range chunks {
		if err := s.Queue.EnqueueChunk(ctx, campaignID, i, chunk); err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			return fmt.Errorf("enqueue chunk %d: %w", i, err)
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
	}
	if err := s.Queue.EnqueueFinalize(ctx, campaignID, s.FinalizeDelay); err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}

	slog.Info("campaign scheduled",
		"campaign_id", campaignID,
		"recipients", len(ids),
		"chunks", len(chunks),
		"chunk_size", chunkSize,
	)
	return nil
}

// FinalizeCampaign is the accounting pass that runs after all chunks report.
// While any recipient is still pending it returns ErrChunksInFlight so the
// job facility retries later.
func (s *Scheduler) FinalizeCampaign(ctx context.Context, campaignID int64) error {
	counts, err := s.Store.CampaignCounts(ctx, campaignID)
	if err != nil {
		return err
	}
	if counts.Pending > 0 {
		return fmt.Errorf("%w: campaign %d has %d pending", ErrChunksInFlight, campaignID, counts.Pending)
	}

	moved, err := s.Store.TransitionCampaign(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignSending},
		domain.CampaignDone, s.now())
	if err != nil {
		return err
	}
	if !moved {
		// Another finalize pass got there first.
		return nil
	}

	diags, err := s.Store.RecentChunkDiagnostics(ctx, campaignID, 3)
	if err != nil {
		slog.Error("load chunk diagnostics failed", "err", err, "campaign_id", campaignID)
	}

	// The completion summary notification: counts plus a sample of
	// per-chunk diagnostics for operators to inspect.
	slog.Info("campaign complete",
		"campaign_id", campaignID,
		"total", counts.Total,
		"sent", counts.Sent,
		"failed", counts.Failed,
		"error_sample", diags,
	)
	observability.CampaignsFinished.WithLabelValues(finishResult(counts.Failed)).Inc()
	return nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Partition splits recipient ids into ordered chunks of at most size.
func Partition(ids []int64, size int) [][]int64 {
	var out [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func finishResult(failed int) string {
	if failed > 0 {
		return "with_failures"
	}
	return "clean"
}
