/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	"time"

	"go.uber.org/zap"
)

// Monitor receives notifications about engine events.  It is useful for
// logging, alerting or metrics collection.  Implementations must be safe
// for concurrent use and must not block: notifications are delivered from
// inside the publishing critical section.
type Monitor interface {
	TransactionPublished(pos uint64)
	TransactionRejected(err error)
	TransactionFailed(pos uint64, err error)
	JournalRotated(path string)
	JournalTruncated(path string, offset int64)
	ReplaySkipped(pos uint64, err error)
	SnapshotTaken(mark uint64, elapsed time.Duration)
	SnapshotFailed(err error)
}

// NewLoggingMonitor returns the default Monitor, which reports every
// notification to the given Logger.
func NewLoggingMonitor(logger Logger) Monitor {
	return &loggingMonitor{logger: logger}
}

type loggingMonitor struct {
	logger Logger
}

func (m *loggingMonitor) TransactionPublished(pos uint64) {
	m.logger.Debug("transaction published", zap.Uint64("position", pos))
}

func (m *loggingMonitor) TransactionRejected(err error) {
	m.logger.Warn("transaction rejected by censor", zap.Error(err))
}

func (m *loggingMonitor) TransactionFailed(pos uint64, err error) {
	m.logger.Warn("transaction failed during execution", zap.Uint64("position", pos), zap.Error(err))
}

func (m *loggingMonitor) JournalRotated(path string) {
	m.logger.Info("journal segment rotated", zap.String("path", path))
}

func (m *loggingMonitor) JournalTruncated(path string, offset int64) {
	m.logger.Warn("truncated torn entry at journal tail", zap.String("path", path), zap.Int64("offset", offset))
}

func (m *loggingMonitor) ReplaySkipped(pos uint64, err error) {
	m.logger.Warn("journaled transaction failed again during replay", zap.Uint64("position", pos), zap.Error(err))
}

func (m *loggingMonitor) SnapshotTaken(mark uint64, elapsed time.Duration) {
	m.logger.Info("snapshot taken", zap.Uint64("mark", mark), zap.Duration("elapsed", elapsed))
}

func (m *loggingMonitor) SnapshotFailed(err error) {
	m.logger.Error("snapshot failed", zap.Error(err))
}
