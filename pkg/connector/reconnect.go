// Copyright 2024-2026 Aiku AI

package connector

import "time"

// ReconnectPolicy controls the backoff between reconnect attempts.
type ReconnectPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PairingDelay time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy matches the shipped example config.
var DefaultReconnectPolicy = ReconnectPolicy{
	BaseDelay:    time.Second,
	MaxDelay:     60 * time.Second,
	PairingDelay: 2 * time.Second,
	MaxAttempts:  10,
}

// Delay returns the wait before the given 1-based attempt. While pairing the
// delay is fixed so a fresh QR code shows up quickly.
func (p ReconnectPolicy) Delay(attempt int, pairing bool) time.Duration {
	if pairing {
		return p.PairingDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// PendingReconnect tracks retries since the last successful open.
type PendingReconnect struct {
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay"`
	Paused   bool          `json:"paused"`
}

// shouldReconnect decides whether a close is followed by another attempt.
// A shutdown always wins, even in pairing mode.
func shouldReconnect(reason DisconnectReason, shuttingDown, pairingMode bool) bool {
	if shuttingDown {
		return false
	}
	return reason != DisconnectLoggedOut || pairingMode
}
