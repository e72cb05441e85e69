// Package metrics defines the Prometheus collectors shared by the engines.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "helpmarket"

type Metrics struct {
	bidsSubmitted   prometheus.Counter
	bidsRejected    *prometheus.CounterVec
	windowsClosed   prometheus.Counter
	bidsAccepted    prometheus.Counter
	bidScores       prometheus.Histogram
	escrowsOpened   prometheus.Counter
	escrowReleases  *prometheus.CounterVec
	milestoneEvents *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	responses       *prometheus.CounterVec
}

// New builds the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bidsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bidding", Name: "bids_submitted_total",
			Help: "Sealed bids accepted into the ledger.",
		}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bidding", Name: "bids_refused_total",
			Help: "Bid submissions refused, by reason.",
		}, []string{"reason"}),
		windowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bidding", Name: "windows_closed_total",
			Help: "Bidding windows closed and revealed.",
		}),
		bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bidding", Name: "bids_accepted_total",
			Help: "Bids accepted by seekers.",
		}),
		bidScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bidding", Name: "bid_score",
			Help:    "Distribution of revealed bid scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		escrowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "opened_total",
			Help: "Escrow contracts opened.",
		}),
		escrowReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "released_total",
			Help: "Escrow contracts reaching the released state, by trigger.",
		}, []string{"trigger"}),
		milestoneEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "milestone_transitions_total",
			Help: "Milestone transitions, by target state.",
		}, []string{"state"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "notifications_total",
			Help: "Emergency notifications, by outcome (sent, failed, expired).",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "responses_total",
			Help: "Helper responses to emergency notifications, by decision.",
		}, []string{"decision"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.bidsSubmitted, m.bidsRejected, m.windowsClosed, m.bidsAccepted, m.bidScores,
			m.escrowsOpened, m.escrowReleases, m.milestoneEvents, m.notifications, m.responses,
		)
	}
	return m
}

func (m *Metrics) BidSubmitted() {
	if m == nil {
		return
	}
	m.bidsSubmitted.Inc()
}

func (m *Metrics) BidRefused(reason string) {
	if m == nil {
		return
	}
	m.bidsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) WindowClosed(scores []float64) {
	if m == nil {
		return
	}
	m.windowsClosed.Inc()
	for _, s := range scores {
		m.bidScores.Observe(s)
	}
}

func (m *Metrics) BidAccepted() {
	if m == nil {
		return
	}
	m.bidsAccepted.Inc()
}

func (m *Metrics) EscrowOpened() {
	if m == nil {
		return
	}
	m.escrowsOpened.Inc()
}

func (m *Metrics) EscrowReleased(trigger string) {
	if m == nil {
		return
	}
	m.escrowReleases.WithLabelValues(trigger).Inc()
}

func (m *Metrics) MilestoneTransition(state string) {
	if m == nil {
		return
	}
	m.milestoneEvents.WithLabelValues(state).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Response(decision string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(decision).Inc()
}
