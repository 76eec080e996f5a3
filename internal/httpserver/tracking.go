package httpserver

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"courier/internal/domain"
	"courier/internal/observability"
	"courier/internal/store"
)

// TrackingStore is the record-store surface the public tracking endpoints
// need. All writes are best-effort from the visitor's point of view: a
// storage failure never turns into a broken image or a dead redirect when
// the destination is known.
type TrackingStore interface {
	GetMessageByID(ctx context.Context, id int64) (domain.MessageInstance, bool, error)
	RecordOpen(ctx context.Context, in store.OpenEventInsert) error
	GetLinkByToken(ctx context.Context, token string) (domain.Link, bool, error)
	FindMessage(ctx context.Context, campaignID, recipientID int64) (domain.MessageInstance, bool, error)
	RecordClick(ctx context.Context, in store.LinkClickInsert) error
	SetUnsubscribed(ctx context.Context, recipientID int64) (bool, error)
}

// pixel is the 1x1 transparent PNG served by the open beacon.
var pixel = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

type TrackingHandler struct {
	Store TrackingStore
	Now   func() time.Time
}

func NewTrackingHandler(st TrackingStore) *TrackingHandler {
	return &TrackingHandler{Store: st, Now: time.Now}
}

// Routes mounts the three public endpoints on the router.
func (h *TrackingHandler) Routes(r *mux.Router) {
	r.HandleFunc("/o/{messageID}/p.png", h.Open).Methods(http.MethodGet)
	r.HandleFunc("/t/{token}/r/{recipientID}/", h.Click).Methods(http.MethodGet)
	r.HandleFunc("/unsub/{recipientID}/", h.Unsubscribe).Methods(http.MethodGet, http.MethodPost)
}

// Open records an open event and serves the beacon. The pixel is served
// with 200 even when the message is unknown so broken references never
// render as broken images in a mail client.
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["messageID"], 10, 64)
	if err == nil {
		if _, ok, lookupErr := h.Store.GetMessageByID(r.Context(), id); lookupErr == nil && ok {
			if err := h.Store.RecordOpen(r.Context(), store.OpenEventInsert{
				MessageInstanceID: id,
				Now:               h.Now(),
			}); err != nil {
				slog.Error("record open failed", "err", err, "message_instance_id", id)
			} else {
				observability.TrackingHits.WithLabelValues("open", "ok").Inc()
			}
		} else {
			observability.TrackingHits.WithLabelValues("open", "unknown").Inc()
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixel)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

// Click records the click when the (token, recipient) pair resolves to a
// sent message and redirects to the original destination either way.
func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]

	link, ok, err := h.Store.GetLinkByToken(r.Context(), token)
	if err != nil {
		observability.TrackingHits.WithLabelValues("click", "error").Inc()
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !ok {
		observability.TrackingHits.WithLabelValues("click", "unknown").Inc()
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	if recipientID, err := strconv.ParseInt(vars["recipientID"], 10, 64); err == nil {
		if mi, found, lookupErr := h.Store.FindMessage(r.Context(), link.CampaignID, recipientID); lookupErr == nil && found {
			if err := h.Store.RecordClick(r.Context(), store.LinkClickInsert{
				LinkID:            link.ID,
				MessageInstanceID: mi.ID,
				Now:               h.Now(),
			}); err != nil {
				slog.Error("record click failed", "err", err, "link_id", link.ID)
			}
		}
	}
	observability.TrackingHits.WithLabelValues("click", "ok").Inc()

	http.Redirect(w, r, link.URL, http.StatusFound)
}

// Unsubscribe flips the recipient's flag. POST serves one-click
// unsubscribe per the List-Unsubscribe-Post header; GET is the link in the
// message body. Both are idempotent.
func (h *TrackingHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	recipientID, err := strconv.ParseInt(mux.Vars(r)["recipientID"], 10, 64)
	if err != nil {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	found, err := h.Store.SetUnsubscribed(r.Context(), recipientID)
	if err != nil {
		observability.TrackingHits.WithLabelValues("unsub", "error").Inc()
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		observability.TrackingHits.WithLabelValues("unsub", "unknown").Inc()
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	observability.TrackingHits.WithLabelValues("unsub", "ok").Inc()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>\n"))
}
