package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_session_opens_total", Help: "SMTP/IMAP session open results"},
		[]string{"protocol", "result"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_sends_total", Help: "SMTP send outcomes"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "courier_send_latency_seconds", Help: "SMTP send latency"},
	)
	Appends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_imap_appends_total", Help: "IMAP sent-folder append outcomes"},
		[]string{"result"},
	)
	Chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_chunks_total", Help: "Chunk dispatch outcomes"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
	CampaignsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_campaigns_finished_total", Help: "Campaigns finalized"},
		[]string{"result"},
	)
	SyncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_sync_events_total", Help: "Inbound messages classified during mailbox sync"},
		[]string{"kind"},
	)
	SyncUnmatched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "courier_sync_unmatched_total", Help: "Inbound messages with no message instance match"},
	)
	TrackingHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_tracking_hits_total", Help: "Tracking endpoint hits"},
		[]string{"endpoint", "status"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "courier_http_requests_total", Help: "Public HTTP requests by route"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(SessionOpens, Sends, SendLatency, Appends, Chunks,
		Enqueues, CampaignsFinished, SyncEvents, SyncUnmatched, TrackingHits, HTTPRequests)
}
