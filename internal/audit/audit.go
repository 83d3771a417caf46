// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package audit records policy evaluation outcomes.
//
// The Logger routes entries by mode and outcome:
//
//	denied evaluations → sync write → WAL fallback on failure
//	allowed evaluations (ModeAll only) → async write via buffered channel
//
// When sync writes fail, entries are appended to a JSONL write-ahead log at
// $XDG_STATE_HOME/teamkit/audit-wal.jsonl. ReplayWAL recovers them once the
// backend is reachable again.
//
// The Logger implements policy.Observer, so it can be attached to an
// evaluator with policy.WithObserver.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/teamkit/teamkit/pkg/policy"
)

// Mode controls which evaluations are recorded.
type Mode string

// Audit logging modes.
const (
	ModeOff         Mode = "off"          // nothing
	ModeMinimal     Mode = "minimal"      // evaluations with a policy fault
	ModeDenialsOnly Mode = "denials_only" // every denial
	ModeAll         Mode = "all"          // everything; allows are written async
)

// Error codes returned by the audit package.
const (
	CodeInvalidMode      = "INVALID_AUDIT_MODE"
	CodeReplayIncomplete = "AUDIT_REPLAY_INCOMPLETE"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeMinimal, ModeDenialsOnly, ModeAll:
		return m, nil
	default:
		return "", oops.Code(CodeInvalidMode).With("mode", s).Errorf("unknown audit mode %q", s)
	}
}

// Entry is one recorded evaluation.
type Entry struct {
	ID         string    `json:"id"`
	Registry   string    `json:"registry"`
	Stage      string    `json:"stage"`
	Operator   string    `json:"operator"`
	Allowed    bool      `json:"allowed"`
	Faulted    bool      `json:"faulted"`
	Reasons    []string  `json:"reasons"`
	PolicyIDs  []string  `json:"policy_ids"`
	DurationUS int64     `json:"duration_us"`
	Timestamp  time.Time `json:"timestamp"`
}

// EntryFromEvaluation converts an evaluator observation into an Entry.
func EntryFromEvaluation(ev policy.Evaluation) Entry {
	entry := Entry{
		ID:         ulid.Make().String(),
		Registry:   ev.Registry,
		Stage:      string(ev.Stage),
		Operator:   string(ev.Operator),
		Allowed:    ev.Result.Allowed,
		Reasons:    append([]string{}, ev.Result.Reasons...),
		PolicyIDs:  make([]string, 0, len(ev.Result.Results)),
		DurationUS: ev.Duration.Microseconds(),
		Timestamp:  ev.Started.UTC(),
	}
	for _, r := range ev.Result.Results {
		entry.PolicyIDs = append(entry.PolicyIDs, r.PolicyID())
		if r.Metadata[policy.MetadataCode] == policy.CodePolicyEvaluationError {
			entry.Faulted = true
		}
	}
	return entry
}

// Writer is the interface for writing audit entries to a backend.
type Writer interface {
	WriteSync(ctx context.Context, entry Entry) error
	WriteAsync(entry Entry) error
	Close() error
}

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policy_audit_channel_full_total",
		Help: "Total number of times the async audit channel was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "policy_audit_wal_entries",
		Help: "Current number of entries in the WAL",
	})
)
