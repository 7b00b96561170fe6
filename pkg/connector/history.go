// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sort"
	"time"
)

// DefaultHistoryMaxCount caps how many replayed messages are delivered per batch.
const DefaultHistoryMaxCount = 100

// handleHistorySync delivers a history-replay batch through the same
// classification path as live traffic, oldest first.
func (m *Manager) handleHistorySync(ctx context.Context, evt *HistorySync) {
	if !m.cfg.HistoryEnabled {
		m.log.Debug().Int("count", len(evt.Messages)).Msg("History sync disabled, skipping batch")
		return
	}
	maxCount := m.cfg.HistoryMaxCount
	if maxCount <= 0 {
		maxCount = DefaultHistoryMaxCount
	}

	now := time.Now()
	messages := make([]*WebMessage, 0, len(evt.Messages))
	for _, msg := range evt.Messages {
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	// Sort chronologically (oldest first).
	sort.SliceStable(messages, func(i, j int) bool {
		return parseTimestamp(messages[i].MessageTimestamp, now).Before(parseTimestamp(messages[j].MessageTimestamp, now))
	})
	// Keep the newest messages when the batch is too large.
	if len(messages) > maxCount {
		messages = messages[len(messages)-maxCount:]
	}

	m.log.Debug().
		Int("count", len(messages)).
		Int("received", len(evt.Messages)).
		Bool("is_latest", evt.IsLatest).
		Msg("Processing history sync batch")
	for _, msg := range messages {
		m.processMessage(ctx, msg, true)
	}
}
