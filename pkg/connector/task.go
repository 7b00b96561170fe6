// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"
)

// periodicTask runs fn on a fixed interval until stopped. A nil task is
// valid and Stop on it is a no-op.
type periodicTask struct {
	cancel context.CancelFunc
}

func startPeriodic(interval time.Duration, fn func(ctx context.Context)) *periodicTask {
	if interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return &periodicTask{cancel: cancel}
}

// Stop cancels the task. It does not wait for a running tick to finish.
func (t *periodicTask) Stop() {
	if t != nil {
		t.cancel()
	}
}
