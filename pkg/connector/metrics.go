// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the connection and message counters exported on /metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	reconnectPaused   prometheus.Gauge
	inbound           *prometheus.CounterVec
	pollVotes         *prometheus.CounterVec
	outbound          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if given.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "whatsapp_hub",
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state).",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsapp_hub",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		reconnectPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whatsapp_hub",
			Name:      "reconnect_paused",
			Help:      "1 when reconnects stopped after the attempt limit.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_hub",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by classification outcome.",
		}, []string{"outcome"}),
		pollVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_hub",
			Name:      "poll_votes_total",
			Help:      "Poll votes by result.",
		}, []string{"result"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp_hub",
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionState, m.reconnectAttempts, m.reconnectPaused, m.inbound, m.pollVotes, m.outbound)
	}
	return m
}

func (m *Metrics) setState(state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range []ConnectionState{StateConnecting, StateOpen, StateClose} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) setPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.reconnectPaused.Set(1)
	} else {
		m.reconnectPaused.Set(0)
	}
}

func (m *Metrics) observeInbound(outcome Outcome) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) observePollVote(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPollUnknown):
		result = "unknown_poll"
	case errors.Is(err, ErrPollNoSecret):
		result = "no_secret"
	case errors.Is(err, ErrVoteDecrypt):
		result = "decrypt_failed"
	case errors.Is(err, ErrNoMatchingOption):
		result = "no_match"
	default:
		result = "error"
	}
	m.pollVotes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeOutbound(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied):
		result = "denied"
	case errors.Is(err, ErrNotConnected):
		result = "not_connected"
	default:
		result = "error"
	}
	m.outbound.WithLabelValues(result).Inc()
}
