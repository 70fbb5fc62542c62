/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package prevalence makes an arbitrary in-memory object durable and
// crash-recoverable.  Every mutating operation (a Transaction) is written to
// an append-only journal before it is applied to the prevalent system, and
// the full system state may be snapshotted at any time so that startup
// recovery only replays the journal tail written after the latest snapshot.
//
// The engine guarantees a single global linearized history: transactions are
// timestamped, censored, journaled and applied one at a time, and the order
// of journal entries always equals the order of visible mutations.
// Correctness of replay depends on the caller providing transactions that
// are deterministic functions of (system state, execution timestamp,
// transaction parameters).
package prevalence

import (
	"time"

	"github.com/pkg/errors"
)

// ErrStopped is returned by operations invoked after the engine was closed.
var ErrStopped = errors.New("prevalence engine is stopped")

// Transaction is an operation on the prevalent system together with its
// captured input parameters.  Execute receives the live system and the
// execution timestamp assigned at publish time; during recovery it is
// invoked again with the very same stored timestamp, so its effect must be
// a deterministic function of these inputs.
//
// Transactions cross the journal serializer, so their concrete types must
// be registered with the configured codec (gob.Register for the default
// codec).
type Transaction interface {
	Execute(system interface{}, at time.Time) (interface{}, error)
}

// Engine is the handle to a running prevalence engine returned by
// Factory.Create.  All methods are safe for concurrent use.
type Engine interface {
	// Publish makes the transaction durable and applies it to the
	// prevalent system, returning whatever Execute returned.  Once
	// Publish returns without error the transaction is permanent history.
	Publish(tx Transaction) (interface{}, error)

	// TakeCheckpoint writes a snapshot of the current system state tagged
	// with the journal position it reflects.
	TakeCheckpoint() error

	// System returns the live prevalent system.  The caller must treat it
	// as read-only; all mutations go through Publish.
	System() interface{}

	// Close stops the engine and releases its storage.  Idempotent.
	Close() error
}

// Journal is the append-only log of serialized transactions.  Entries are
// totally ordered by position; position order equals publish order equals
// application order.
type Journal interface {
	// Append durably writes one entry and returns the position it was
	// assigned.  Nothing is considered published until Append returns.
	Append(data []byte, at time.Time) (uint64, error)

	// NextPosition returns the position the next Append will be assigned.
	NextPosition() uint64

	// ReplayFrom calls fn for every entry at or after pos, in order, as
	// one logical stream across however many segments are needed.  An fn
	// error aborts the replay and is returned unchanged.
	ReplayFrom(pos uint64, fn func(pos uint64, at time.Time, data []byte) error) error

	Close() error
}

// SnapshotStore persists and reloads full serialized copies of the
// prevalent system, each tagged with the journal position (mark) it
// reflects.
type SnapshotStore interface {
	// TakeSnapshot writes the given state as the new latest snapshot.  A
	// failure must leave any previously written snapshot untouched.
	TakeSnapshot(system interface{}, mark uint64) error

	// LoadLatest returns the most recent valid snapshot and its mark, or
	// the initial empty system with mark 0 when no snapshot exists.
	LoadLatest() (interface{}, uint64, error)
}
