package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/domain"
)

type fakeQueue struct {
	chunks    [][]int64
	finalizes int
}

func (q *fakeQueue) EnqueueChunk(ctx context.Context, campaignID int64, chunkIndex int, recipientIDs []int64) error {
	q.chunks = append(q.chunks, recipientIDs)
	return nil
}

func (q *fakeQueue) EnqueueFinalize(ctx context.Context, campaignID int64, delay time.Duration) error {
	q.finalizes++
	return nil
}

func TestScheduleCampaignPartitions(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)
	c := f.campaigns[9]
	c.Status = domain.CampaignDraft
	f.campaigns[9] = c

	q := &fakeQueue{}
	s := &Scheduler{Store: f, Queue: q, DefaultChunkSize: 2}

	if err := s.ScheduleCampaign(context.Background(), 9, 0); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}

	if len(q.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 for 3 recipients at size 2", len(q.chunks))
	}
	if len(q.chunks[0]) != 2 || len(q.chunks[1]) != 1 {
		t.Errorf("chunk sizes = %d,%d, want 2,1", len(q.chunks[0]), len(q.chunks[1]))
	}
	if q.finalizes != 1 {
		t.Errorf("finalize jobs = %d, want 1", q.finalizes)
	}
	if f.campaigns[9].Status != domain.CampaignSending {
		t.Errorf("campaign status = %s, want SENDING", f.campaigns[9].Status)
	}
}

func TestScheduleCampaignResumeExcludesSent(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)
	now := time.Now()
	f.messages[msgKey{9, 7}] = &domain.MessageInstance{
		ID: 50, CampaignID: 9, RecipientID: 7, Status: domain.MessageSent, SentAt: &now,
	}

	q := &fakeQueue{}
	s := &Scheduler{Store: f, Queue: q, DefaultChunkSize: 10}

	if err := s.ScheduleCampaign(context.Background(), 9, 0); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if len(q.chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(q.chunks))
	}
	for _, rid := range q.chunks[0] {
		if rid == 7 {
			t.Errorf("recipient 7 re-enqueued after being sent")
		}
	}
	if len(q.chunks[0]) != 2 {
		t.Errorf("enqueued %d recipients, want 2", len(q.chunks[0]))
	}
}

func TestScheduleCampaignFinishedIsNoop(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)
	c := f.campaigns[9]
	c.Status = domain.CampaignDone
	f.campaigns[9] = c

	q := &fakeQueue{}
	s := &Scheduler{Store: f, Queue: q, DefaultChunkSize: 10}

	if err := s.ScheduleCampaign(context.Background(), 9, 0); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if len(q.chunks) != 0 || q.finalizes != 0 {
		t.Errorf("finished campaign was scheduled: %d chunks, %d finalizes", len(q.chunks), q.finalizes)
	}
}

func TestScheduleCampaignEmptyCompletes(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)
	c := f.campaigns[9]
	c.Status = domain.CampaignDraft
	f.campaigns[9] = c
	now := time.Now()
	for _, rid := range []int64{7, 8, 9} {
		f.messages[msgKey{9, rid}] = &domain.MessageInstance{
			ID: 50 + rid, CampaignID: 9, RecipientID: rid, Status: domain.MessageSent, SentAt: &now,
		}
	}

	q := &fakeQueue{}
	s := &Scheduler{Store: f, Queue: q, DefaultChunkSize: 10}

	if err := s.ScheduleCampaign(context.Background(), 9, 0); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if len(q.chunks) != 0 {
		t.Errorf("chunks enqueued for a fully sent campaign")
	}
	if f.campaigns[9].Status != domain.CampaignDone {
		t.Errorf("status = %s, want DONE", f.campaigns[9].Status)
	}
}

// concurrentFinalizeStore finishes the campaign between the scheduler's
// status check and its SENDING write, so the guarded transition reports no
// movement.
type concurrentFinalizeStore struct {
	*fakeStore
}

func (s *concurrentFinalizeStore) TransitionCampaign(ctx context.Context, id int64, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error) {
	c := s.campaigns[id]
	c.Status = domain.CampaignDone
	s.campaigns[id] = c
	return s.fakeStore.TransitionCampaign(ctx, id, from, to, now)
}

func TestScheduleCampaignConcurrentFinalizeWins(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)

	q := &fakeQueue{}
	s := &Scheduler{Store: &concurrentFinalizeStore{f}, Queue: q, DefaultChunkSize: 10}

	if err := s.ScheduleCampaign(context.Background(), 9, 0); err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if len(q.chunks) != 0 || q.finalizes != 0 {
		t.Errorf("scheduled a finished campaign: %d chunks, %d finalizes", len(q.chunks), q.finalizes)
	}
	if f.campaigns[9].Status != domain.CampaignDone {
		t.Errorf("status = %s, want DONE preserved", f.campaigns[9].Status)
	}
}

func TestFinalizeCampaignRetriesWhilePending(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)

	s := &Scheduler{Store: f, Queue: &fakeQueue{}}
	err := s.FinalizeCampaign(context.Background(), 9)
	if !errors.Is(err, ErrChunksInFlight) {
		t.Fatalf("err = %v, want ErrChunksInFlight with pending recipients", err)
	}
	if f.campaigns[9].Status != domain.CampaignSending {
		t.Errorf("status = %s, want SENDING unchanged", f.campaigns[9].Status)
	}
}

func TestFinalizeCampaignCompletes(t *testing.T) {
	f := newFakeStore()
	seedCampaign(f)
	now := time.Now()
	f.messages[msgKey{9, 7}] = &domain.MessageInstance{ID: 51, CampaignID: 9, RecipientID: 7, Status: domain.MessageSent, SentAt: &now}
	f.messages[msgKey{9, 8}] = &domain.MessageInstance{ID: 52, CampaignID: 9, RecipientID: 8, Status: domain.MessageSent, SentAt: &now}
	f.messages[msgKey{9, 9}] = &domain.MessageInstance{ID: 53, CampaignID: 9, RecipientID: 9, Status: domain.MessageFailed, LastError: "550 no such user"}

	s := &Scheduler{Store: f, Queue: &fakeQueue{}}
	if err := s.FinalizeCampaign(context.Background(), 9); err != nil {
		t.Fatalf("FinalizeCampaign: %v", err)
	}
	if f.campaigns[9].Status != domain.CampaignDone {
		t.Errorf("status = %s, want DONE", f.campaigns[9].Status)
	}

	// A second pass is a no-op, not an error.
	if err := s.FinalizeCampaign(context.Background(), 9); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
}

func TestPartition(t *testing.T) {
	chunks := Partition([]int64{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 5 {
		t.Errorf("last chunk = %v, want [5]", chunks[2])
	}
	if got := Partition(nil, 2); got != nil {
		t.Errorf("Partition(nil) = %v, want nil", got)
	}
}
