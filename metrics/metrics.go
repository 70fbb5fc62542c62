/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics provides a prometheus-backed Monitor.  Collectors are
// global and registered eagerly; if no prometheus endpoint is exposed the
// registration is harmless.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-prevalence/prevalence"
)

var (
	transactionsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_transactions_published_total",
		Help: "Total transactions journaled and applied successfully",
	})
	transactionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_transactions_rejected_total",
		Help: "Total transactions rejected by the censor before journaling",
	})
	transactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_transactions_failed_total",
		Help: "Total journaled transactions whose execution failed",
	})
	journalRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_journal_rotations_total",
		Help: "Total journal segment rotations",
	})
	journalTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_journal_truncations_total",
		Help: "Total torn records truncated from the journal tail during recovery",
	})
	replaySkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_replay_skipped_total",
		Help: "Total journaled transactions that failed again during replay",
	})
	snapshotsTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_snapshots_taken_total",
		Help: "Total snapshots written successfully",
	})
	snapshotsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prevalence_snapshots_failed_total",
		Help: "Total snapshot attempts that failed",
	})
	snapshotSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prevalence_snapshot_duration_seconds",
		Help:    "Time spent serializing and publishing a snapshot",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		transactionsPublished,
		transactionsRejected,
		transactionsFailed,
		journalRotations,
		journalTruncations,
		replaySkips,
		snapshotsTaken,
		snapshotsFailed,
		snapshotSeconds,
	)
}

// Monitor counts engine notifications in prometheus collectors and then
// hands them to the next Monitor, if any.
type Monitor struct {
	next prevalence.Monitor
}

// NewMonitor wraps next, which may be nil.
func NewMonitor(next prevalence.Monitor) *Monitor {
	return &Monitor{next: next}
}

func (m *Monitor) TransactionPublished(pos uint64) {
	transactionsPublished.Inc()
	if m.next != nil {
		m.next.TransactionPublished(pos)
	}
}

func (m *Monitor) TransactionRejected(err error) {
	transactionsRejected.Inc()
	if m.next != nil {
		m.next.TransactionRejected(err)
	}
}

func (m *Monitor) TransactionFailed(pos uint64, err error) {
	transactionsFailed.Inc()
	if m.next != nil {
		m.next.TransactionFailed(pos, err)
	}
}

func (m *Monitor) JournalRotated(path string) {
	journalRotations.Inc()
	if m.next != nil {
		m.next.JournalRotated(path)
	}
}

func (m *Monitor) JournalTruncated(path string, offset int64) {
	journalTruncations.Inc()
	if m.next != nil {
		m.next.JournalTruncated(path, offset)
	}
}

func (m *Monitor) ReplaySkipped(pos uint64, err error) {
	replaySkips.Inc()
	if m.next != nil {
		m.next.ReplaySkipped(pos, err)
	}
}

func (m *Monitor) SnapshotTaken(mark uint64, elapsed time.Duration) {
	snapshotsTaken.Inc()
	snapshotSeconds.Observe(elapsed.Seconds())
	if m.next != nil {
		m.next.SnapshotTaken(mark, elapsed)
	}
}

func (m *Monitor) SnapshotFailed(err error) {
	snapshotsFailed.Inc()
	if m.next != nil {
		m.next.SnapshotFailed(err)
	}
}
