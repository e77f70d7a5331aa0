// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/stefkors/gitmirror/pkg/store"
)

// Health statuses.
const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Thresholds the health snapshot checks against.
const (
	warnPendingCount     = 50
	criticalPendingCount = 500
	warnPendingAge       = 5 * time.Minute
	criticalPendingAge   = 30 * time.Minute
	warnDeadLetterCount  = 1
)

// QueueSnapshot is the observable queue state.
type QueueSnapshot struct {
	Pending            int        `json:"pending"`
	Processing         int        `json:"processing"`
	Failed             int        `json:"failed"`
	DeadLetter         int        `json:"deadLetter"`
	OldestPendingAgeMs int64      `json:"oldestPendingAgeMs"`
	LastProcessedAt    *time.Time `json:"lastProcessedAt"`
}

// HealthSnapshot tags the queue ok, warning, or critical by thresholding
// the snapshot and lists the triggered alerts.
type HealthSnapshot struct {
	Status string        `json:"status"`
	Health string        `json:"health"`
	Alerts []string      `json:"alerts"`
	Queue  QueueSnapshot `json:"queue"`
}

// Health computes the current health snapshot.
func (p *Processor) Health(ctx context.Context) (*HealthSnapshot, error) {
	var counts *store.QueueCounts
	err := p.db.ReadTx(ctx, func(tx *store.Tx) error {
		c, err := tx.CountQueueItems(ctx)
		if err != nil {
			return err
		}
		counts = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue counts: %w", err)
	}

	now := p.now().UTC()
	snapshot := QueueSnapshot{
		Pending:    counts.Pending,
		Processing: counts.Processing,
		Failed:     counts.Failed,
		DeadLetter: counts.DeadLetter,
	}
	var oldestAge time.Duration
	if counts.OldestPendingAt.Valid {
		oldestAge = now.Sub(counts.OldestPendingAt.Time)
		snapshot.OldestPendingAgeMs = oldestAge.Milliseconds()
	}
	if counts.LastProcessedAt.Valid {
		t := counts.LastProcessedAt.Time
		snapshot.LastProcessedAt = &t
	}

	health := HealthOK
	alerts := []string{}

	raise := func(level, alert string) {
		alerts = append(alerts, alert)
		if level == HealthCritical || health == HealthCritical {
			health = HealthCritical
			return
		}
		health = HealthWarning
	}

	switch {
	case snapshot.Pending >= criticalPendingCount:
		raise(HealthCritical, fmt.Sprintf("pending backlog at %d items", snapshot.Pending))
	case snapshot.Pending >= warnPendingCount:
		raise(HealthWarning, fmt.Sprintf("pending backlog at %d items", snapshot.Pending))
	}

	switch {
	case oldestAge >= criticalPendingAge:
		raise(HealthCritical, fmt.Sprintf("oldest pending item is %s old", oldestAge.Round(time.Second)))
	case oldestAge >= warnPendingAge:
		raise(HealthWarning, fmt.Sprintf("oldest pending item is %s old", oldestAge.Round(time.Second)))
	}

	if snapshot.DeadLetter >= warnDeadLetterCount {
		raise(HealthWarning, fmt.Sprintf("%d items in dead letter", snapshot.DeadLetter))
	}

	return &HealthSnapshot{
		Status: health,
		Health: health,
		Alerts: alerts,
		Queue:  snapshot,
	}, nil
}
