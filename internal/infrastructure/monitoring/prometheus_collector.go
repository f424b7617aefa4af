package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes hub metrics to Prometheus. A nil *Collector is a
// valid no-op receiver so components can run unmetered in tests.
type Collector struct {
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge
	sessionsActive    prometheus.Gauge

	messagesInbound      prometheus.Counter
	messagesDropped      prometheus.Counter
	envelopesSent        prometheus.Counter
	sendFailures         prometheus.Counter
	chatMessages         prometheus.Counter
	rateLimited          prometheus.Counter
	connectionsReclaimed prometheus.Counter
	sessionsReclaimed    prometheus.Counter

	tipsReceived prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_connections_active",
			Help: "Number of live websocket connections",
		}),
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_rooms_active",
			Help: "Number of stream rooms with at least one member",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_sessions_active",
			Help: "Number of active broadcast sessions",
		}),
		messagesInbound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_messages_inbound_total",
			Help: "Inbound envelopes admitted by the rate limiter",
		}),
		messagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_messages_dropped_total",
			Help: "Inbound messages dropped (malformed or unknown type)",
		}),
		envelopesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_envelopes_sent_total",
			Help: "Envelopes written to connections",
		}),
		sendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_send_failures_total",
			Help: "Envelope writes that failed and tore down the connection",
		}),
		chatMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_chat_messages_total",
			Help: "Chat messages appended to room history",
		}),
		rateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_rate_limited_total",
			Help: "Inbound messages rejected by the sliding-window limiter",
		}),
		connectionsReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_connections_reclaimed_total",
			Help: "Idle connections evicted by the reclaimer",
		}),
		sessionsReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_sessions_reclaimed_total",
			Help: "Abandoned sessions evicted by the reclaimer",
		}),
		tipsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_tips_received_total",
			Help: "Accumulated tip amount across all sessions",
		}),
	}
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

func (c *Collector) RoomCreated() {
	if c == nil {
		return
	}
	c.roomsActive.Inc()
}

func (c *Collector) RoomDestroyed() {
	if c == nil {
		return
	}
	c.roomsActive.Dec()
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) MessageInbound() {
	if c == nil {
		return
	}
	c.messagesInbound.Inc()
}

func (c *Collector) MessageDropped() {
	if c == nil {
		return
	}
	c.messagesDropped.Inc()
}

func (c *Collector) EnvelopeSent() {
	if c == nil {
		return
	}
	c.envelopesSent.Inc()
}

func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.sendFailures.Inc()
}

func (c *Collector) ChatMessage() {
	if c == nil {
		return
	}
	c.chatMessages.Inc()
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

func (c *Collector) ConnectionsReclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.connectionsReclaimed.Add(float64(n))
}

func (c *Collector) SessionsReclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sessionsReclaimed.Add(float64(n))
}

func (c *Collector) TipReceived(amount float64) {
	if c == nil || amount <= 0 {
		return
	}
	c.tipsReceived.Add(amount)
}
