package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"courier/internal/domain"
	"courier/internal/store"
	"courier/internal/transport"
)

type fakeReconcileStore struct {
	mailboxes map[int64]domain.Mailbox
	// messages keyed by structured message id
	byMsgID map[string]domain.MessageInstance
	byPair  map[[2]int64]domain.MessageInstance

	events  []store.DeliveryEventInsert
	bounced map[int64]bool
	seen    map[string]bool
}

func newFakeReconcileStore() *fakeReconcileStore {
	return &fakeReconcileStore{
		mailboxes: map[int64]domain.Mailbox{},
		byMsgID:   map[string]domain.MessageInstance{},
		byPair:    map[[2]int64]domain.MessageInstance{},
		bounced:   map[int64]bool{},
		seen:      map[string]bool{},
	}
}

func (f *fakeReconcileStore) addMessage(mi domain.MessageInstance) {
	f.byMsgID[mi.MessageID] = mi
	f.byPair[[2]int64{mi.CampaignID, mi.RecipientID}] = mi
}

func (f *fakeReconcileStore) GetMailbox(ctx context.Context, id int64) (domain.Mailbox, bool, error) {
	m, ok := f.mailboxes[id]
	return m, ok, nil
}

func (f *fakeReconcileStore) HasDeliveryEventForSource(ctx context.Context, sourceMessageID string) (bool, error) {
	return f.seen[sourceMessageID], nil
}

func (f *fakeReconcileStore) FindMessage(ctx context.Context, campaignID, recipientID int64) (domain.MessageInstance, bool, error) {
	mi, ok := f.byPair[[2]int64{campaignID, recipientID}]
	return mi, ok, nil
}

func (f *fakeReconcileStore) FindMessageByThreadRefs(ctx context.Context, refs []string) (domain.MessageInstance, bool, error) {
	for _, ref := range refs {
		if mi, ok := f.byMsgID[ref]; ok {
			return mi, true, nil
		}
	}
	return domain.MessageInstance{}, false, nil
}

func (f *fakeReconcileStore) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEventInsert) error {
	f.events = append(f.events, in)
	f.seen[in.SourceMessageID] = true
	return nil
}

func (f *fakeReconcileStore) MarkMessageBounced(ctx context.Context, id int64, now time.Time) (bool, error) {
	if f.bounced[id] {
		return false, nil
	}
	f.bounced[id] = true
	return true, nil
}

type fakeFetcher struct {
	inbound []transport.InboundMessage
	seen    []imap.UID
	closed  bool
}

func (f *fakeFetcher) FetchUnseen(folder string) ([]transport.InboundMessage, error) {
	return f.inbound, nil
}

func (f *fakeFetcher) MarkSeen(uid imap.UID) error {
	f.seen = append(f.seen, uid)
	return nil
}

func (f *fakeFetcher) Close() { f.closed = true }

func newTestReconciler(st *fakeReconcileStore, fetcher *fakeFetcher) *Reconciler {
	st.mailboxes[1] = domain.Mailbox{ID: 1, FromEmail: "ops@x.test", BounceFolder: "INBOX"}
	return &Reconciler{
		Store: st,
		OpenIMAP: func(ctx context.Context, mb domain.Mailbox) (Fetcher, error) {
			return fetcher, nil
		},
		Now: time.Now,
	}
}

func TestSyncMailboxBounce(t *testing.T) {
	st := newFakeReconcileStore()
	st.addMessage(domain.MessageInstance{
		ID: 51, CampaignID: 9, RecipientID: 7,
		MessageID: "<abc123.9.7@x.test>", Status: domain.MessageSent,
	})
	fetcher := &fakeFetcher{inbound: []transport.InboundMessage{
		{UID: 1, MessageID: "<dsn-1@relay.test>", Subject: "Undelivered Mail", Raw: crlf(permanentDSN)},
	}}

	r := newTestReconciler(st, fetcher)
	report, err := r.SyncMailbox(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncMailbox: %v", err)
	}
	if report.Fetched != 1 || report.Bounces != 1 || report.Unmatched != 0 {
		t.Fatalf("report = %+v, want one matched bounce", report)
	}
	if !st.bounced[51] {
		t.Errorf("message 51 not marked bounced")
	}
	if len(fetcher.seen) != 1 || fetcher.seen[0] != 1 {
		t.Errorf("seen = %v, want uid 1 flagged", fetcher.seen)
	}
	if len(st.events) != 1 || st.events[0].Kind != domain.EventBounce {
		t.Fatalf("events = %+v, want one BOUNCE", st.events)
	}
	if st.events[0].MessageInstanceID == nil || *st.events[0].MessageInstanceID != 51 {
		t.Errorf("event not linked to message 51")
	}
	if !fetcher.closed {
		t.Errorf("session not closed")
	}
}

func TestSyncMailboxIdempotent(t *testing.T) {
	st := newFakeReconcileStore()
	st.addMessage(domain.MessageInstance{
		ID: 51, CampaignID: 9, RecipientID: 7,
		MessageID: "<abc123.9.7@x.test>", Status: domain.MessageSent,
	})
	fetcher := &fakeFetcher{inbound: []transport.InboundMessage{
		{UID: 1, MessageID: "<dsn-1@relay.test>", Raw: crlf(permanentDSN)},
	}}

	r := newTestReconciler(st, fetcher)
	if _, err := r.SyncMailbox(context.Background(), 1); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	// The same message shows up again, e.g. a crash between record and flag.
	report, err := r.SyncMailbox(context.Background(), 1)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Bounces != 0 {
		t.Errorf("second pass recorded the bounce again: %+v", report)
	}
	if len(st.events) != 1 {
		t.Errorf("events = %d, want 1 after reprocessing", len(st.events))
	}
	if len(fetcher.seen) != 2 {
		t.Errorf("seen = %v, want the duplicate re-flagged", fetcher.seen)
	}
}

func TestSyncMailboxDeferredKeepsStatus(t *testing.T) {
	st := newFakeReconcileStore()
	st.addMessage(domain.MessageInstance{
		ID: 52, CampaignID: 9, RecipientID: 8,
		MessageID: "<def456.9.8@x.test>", Status: domain.MessageSent,
	})
	fetcher := &fakeFetcher{inbound: []transport.InboundMessage{
		{UID: 2, MessageID: "<dsn-2@relay.test>", Raw: crlf(transientDSN)},
	}}

	r := newTestReconciler(st, fetcher)
	report, err := r.SyncMailbox(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncMailbox: %v", err)
	}
	if report.Deferred != 1 {
		t.Fatalf("report = %+v, want one deferred", report)
	}
	if st.bounced[52] {
		t.Errorf("deferred signal bounced the message")
	}
}

func TestSyncMailboxReplyMatchedByThread(t *testing.T) {
	st := newFakeReconcileStore()
	st.addMessage(domain.MessageInstance{
		ID: 51, CampaignID: 9, RecipientID: 7,
		MessageID: "<abc123.9.7@x.test>", Status: domain.MessageSent,
	})
	fetcher := &fakeFetcher{inbound: []transport.InboundMessage{
		{UID: 3, MessageID: "<reply-1@y.test>", Subject: "Re: Hello", Raw: crlf(humanReply)},
	}}

	r := newTestReconciler(st, fetcher)
	report, err := r.SyncMailbox(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncMailbox: %v", err)
	}
	if report.Replies != 1 || report.Unmatched != 0 {
		t.Fatalf("report = %+v, want one matched reply", report)
	}
	if st.bounced[51] {
		t.Errorf("reply bounced the message")
	}
	if st.events[0].MessageInstanceID == nil || *st.events[0].MessageInstanceID != 51 {
		t.Errorf("reply not linked to the originating send")
	}
}

func TestSyncMailboxUnmatchedRecorded(t *testing.T) {
	st := newFakeReconcileStore()
	fetcher := &fakeFetcher{inbound: []transport.InboundMessage{
		{UID: 4, MessageID: "<stray@elsewhere.test>", Subject: "hello?", Raw: crlf(`From: someone@elsewhere.test
To: ops@x.test
Subject: hello?
Message-ID: <stray@elsewhere.test>
Content-Type: text/plain

Is this the right address?
`)},
	}}

	r := newTestReconciler(st, fetcher)
	report, err := r.SyncMailbox(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncMailbox: %v", err)
	}
	if report.Unmatched != 1 || report.Replies != 1 {
		t.Fatalf("report = %+v, want one unmatched reply", report)
	}
	if len(st.events) != 1 || st.events[0].MessageInstanceID != nil {
		t.Fatalf("events = %+v, want one event with no message link", st.events)
	}
	if len(fetcher.seen) != 1 {
		t.Errorf("unmatched message left unseen, would loop forever")
	}
}

func TestMatchDirectBeatsThreadRefs(t *testing.T) {
	st := newFakeReconcileStore()
	st.addMessage(domain.MessageInstance{
		ID: 51, CampaignID: 9, RecipientID: 7,
		MessageID: "<abc123.9.7@x.test>", Status: domain.MessageSent,
	})
	// A stale stored message whose id happens to appear in the refs.
	st.byMsgID["<other@z.test>"] = domain.MessageInstance{ID: 99}

	r := newTestReconciler(st, &fakeFetcher{})
	mi, ok, err := r.match(context.Background(), []string{"<other@z.test>", "<abc123.9.7@x.test>"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok || mi.ID != 51 {
		t.Fatalf("matched %+v, want the structured id to win over thread refs", mi)
	}
}
