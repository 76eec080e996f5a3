package httpserver

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"courier/internal/domain"
	"courier/internal/store"
)

type fakeTrackingStore struct {
	messages     map[int64]domain.MessageInstance
	links        map[string]domain.Link
	recipients   map[int64]bool
	opens        []int64
	clicks       []store.LinkClickInsert
	unsubscribed []int64
}

func newFakeTrackingStore() *fakeTrackingStore {
	return &fakeTrackingStore{
		messages:   map[int64]domain.MessageInstance{},
		links:      map[string]domain.Link{},
		recipients: map[int64]bool{},
	}
}

func (f *fakeTrackingStore) GetMessageByID(ctx context.Context, id int64) (domain.MessageInstance, bool, error) {
	m, ok := f.messages[id]
	return m, ok, nil
}

func (f *fakeTrackingStore) RecordOpen(ctx context.Context, in store.OpenEventInsert) error {
	f.opens = append(f.opens, in.MessageInstanceID)
	return nil
}

func (f *fakeTrackingStore) GetLinkByToken(ctx context.Context, token string) (domain.Link, bool, error) {
	l, ok := f.links[token]
	return l, ok, nil
}

func (f *fakeTrackingStore) FindMessage(ctx context.Context, campaignID, recipientID int64) (domain.MessageInstance, bool, error) {
	for _, m := range f.messages {
		if m.CampaignID == campaignID && m.RecipientID == recipientID {
			return m, true, nil
		}
	}
	return domain.MessageInstance{}, false, nil
}

func (f *fakeTrackingStore) RecordClick(ctx context.Context, in store.LinkClickInsert) error {
	f.clicks = append(f.clicks, in)
	return nil
}

func (f *fakeTrackingStore) SetUnsubscribed(ctx context.Context, recipientID int64) (bool, error) {
	if !f.recipients[recipientID] {
		return false, nil
	}
	f.unsubscribed = append(f.unsubscribed, recipientID)
	return true, nil
}

func newTestRouter(st *fakeTrackingStore) *mux.Router {
	r := mux.NewRouter()
	h := &TrackingHandler{Store: st, Now: time.Now}
	h.Routes(r)
	return r
}

func TestOpenServesPixelAndRecords(t *testing.T) {
	st := newFakeTrackingStore()
	st.messages[42] = domain.MessageInstance{ID: 42, CampaignID: 9, RecipientID: 7}
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/o/42/p.png", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc == "" {
		t.Errorf("pixel served without cache suppression")
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("body is not a png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("pixel is %dx%d, want 1x1", b.Dx(), b.Dy())
	}
	if len(st.opens) != 1 || st.opens[0] != 42 {
		t.Errorf("opens = %v, want [42]", st.opens)
	}
}

func TestOpenUnknownMessageStillServesPixel(t *testing.T) {
	st := newFakeTrackingStore()
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/o/999/p.png", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for unknown ids", rec.Code)
	}
	if len(st.opens) != 0 {
		t.Errorf("open recorded for unknown message")
	}
}

func TestClickRedirectsAndRecords(t *testing.T) {
	st := newFakeTrackingStore()
	st.links["tok1"] = domain.Link{ID: 5, CampaignID: 9, URL: "https://example.test/page", Token: "tok1"}
	st.messages[42] = domain.MessageInstance{ID: 42, CampaignID: 9, RecipientID: 7}
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/tok1/r/7/", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.test/page" {
		t.Errorf("location = %q", loc)
	}
	if len(st.clicks) != 1 || st.clicks[0].LinkID != 5 || st.clicks[0].MessageInstanceID != 42 {
		t.Errorf("clicks = %+v", st.clicks)
	}
}

func TestClickUnknownTokenIs404(t *testing.T) {
	st := newFakeTrackingStore()
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/missing/r/7/", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestClickUnknownRecipientStillRedirects(t *testing.T) {
	st := newFakeTrackingStore()
	st.links["tok1"] = domain.Link{ID: 5, CampaignID: 9, URL: "https://example.test/page", Token: "tok1"}
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/tok1/r/999/", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 even without a message match", rec.Code)
	}
	if len(st.clicks) != 0 {
		t.Errorf("click recorded without a message match")
	}
}

func TestUnsubscribe(t *testing.T) {
	st := newFakeTrackingStore()
	st.recipients[7] = true
	router := newTestRouter(st)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/unsub/7/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", method, rec.Code)
		}
	}
	if len(st.unsubscribed) != 2 {
		t.Errorf("unsubscribe calls = %d, want both methods to land", len(st.unsubscribed))
	}
}

func TestUnsubscribeUnknownRecipient(t *testing.T) {
	st := newFakeTrackingStore()
	router := newTestRouter(st)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unsub/999/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
