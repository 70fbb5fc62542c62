/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-prevalence/prevalence/codec"
)

type engineState int

const (
	engineStarting engineState = iota
	engineRecovering
	engineRunning
	engineStopped
)

// engine is the central transaction publisher and executor.  It owns the
// prevalent system exclusively: every mutation happens inside the critical
// section spanning timestamp assignment, censorship, journal append and
// application, so journal order and application order are always identical.
type engine struct {
	mu     sync.Mutex
	state  engineState
	system interface{}

	clock             Clock
	censor            transactionCensor
	journal           Journal
	snapshots         SnapshotStore
	journalSerializer codec.Serializer
	logger            Logger
	monitor           Monitor

	// subscribers receive committed entries, in order, inside the
	// critical section.  Guarded by mu.
	subscribers map[uint64]func(pos uint64, at time.Time, data []byte) error
	nextSubID   uint64

	// server is the replication listener, if one is configured.
	server io.Closer
}

// start performs recovery: the system already holds the latest snapshot
// (loaded by the factory), so only the journal tail recorded after the
// snapshot's mark is replayed, applying each entry with its stored
// timestamp.  The clock is never consulted here.
func (e *engine) start(mark uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = engineRecovering

	var replayed uint64
	err := e.journal.ReplayFrom(mark, func(pos uint64, at time.Time, data []byte) error {
		tx, err := e.decodeTransaction(data)
		if err != nil {
			return errors.WithMessagef(err, "could not recover journal entry %d", pos)
		}

		if _, err := runTransaction(tx, e.system, at); err != nil {
			// A liberally censored transaction that failed when first
			// published fails identically here.
			e.monitor.ReplaySkipped(pos, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("prevalence engine recovered",
		zap.Uint64("snapshotMark", mark),
		zap.Uint64("replayedEntries", replayed))
	e.state = engineRunning
	return nil
}

func (e *engine) Publish(tx Transaction) (interface{}, error) {
	if tx == nil {
		return nil, errors.New("cannot publish a nil transaction")
	}

	_, result, _, err := e.publish(tx)
	return result, err
}

// publish runs the full pipeline under the critical section.  journaled
// reports whether the transaction became permanent history: under liberal
// censorship a transaction can be journaled and still return its
// application-level failure.
func (e *engine) publish(tx Transaction) (pos uint64, result interface{}, journaled bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != engineRunning {
		return 0, nil, false, ErrStopped
	}

	at := e.clock.Now()

	if err := e.censor.approve(tx, at, e.system); err != nil {
		e.monitor.TransactionRejected(err)
		return 0, nil, false, err
	}

	var buf bytes.Buffer
	if err := e.journalSerializer.Serialize(&buf, tx); err != nil {
		err = errors.WithMessagef(err, "could not serialize transaction %T", tx)
		e.monitor.TransactionRejected(err)
		return 0, nil, false, err
	}
	data := buf.Bytes()

	// Durability point.  Once Append returns, the transaction is
	// permanently part of history and can no longer be cancelled.
	pos, err = e.journal.Append(data, at)
	if err != nil {
		return 0, nil, false, errors.WithMessage(err, "could not journal transaction")
	}

	result, appErr := runTransaction(tx, e.system, at)

	e.notifyLocked(pos, at, data)

	if appErr != nil {
		e.monitor.TransactionFailed(pos, appErr)
		return pos, nil, true, appErr
	}
	e.monitor.TransactionPublished(pos)
	return pos, result, true, nil
}

func (e *engine) TakeCheckpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != engineRunning {
		return ErrStopped
	}

	mark := e.journal.NextPosition()
	started := time.Now()
	if err := e.snapshots.TakeSnapshot(e.system, mark); err != nil {
		e.monitor.SnapshotFailed(err)
		return err
	}
	e.monitor.SnapshotTaken(mark, time.Since(started))
	return nil
}

func (e *engine) System() interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.system
}

func (e *engine) Close() error {
	e.mu.Lock()
	if e.state == engineStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = engineStopped
	server := e.server
	e.server = nil
	e.mu.Unlock()

	if server != nil {
		server.Close()
	}
	return e.journal.Close()
}

// SubscribeFrom atomically replays all committed entries at or after pos
// through fn and registers fn for every entry committed afterwards.  It
// implements replication.Source.
func (e *engine) SubscribeFrom(pos uint64, fn func(pos uint64, at time.Time, data []byte) error) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != engineRunning {
		return nil, ErrStopped
	}

	if err := e.journal.ReplayFrom(pos, fn); err != nil {
		return nil, err
	}

	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn

	cancel := func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
	return cancel, nil
}

// SubmitSerialized publishes a transaction arriving from a replication
// peer.  It implements replication.Source.
func (e *engine) SubmitSerialized(data []byte) (uint64, error) {
	tx, err := e.decodeTransaction(data)
	if err != nil {
		return 0, err
	}

	pos, _, journaled, err := e.publish(tx)
	if journaled {
		// Under liberal censorship the entry is committed history even
		// when its execution failed; the standby replays the same
		// failure from the entry stream.
		return pos, nil
	}
	return 0, err
}

// notifyLocked hands a freshly committed entry to each subscriber.  A
// subscriber returning an error (a disconnected or lagging peer) is
// dropped.
func (e *engine) notifyLocked(pos uint64, at time.Time, data []byte) {
	for id, fn := range e.subscribers {
		if err := fn(pos, at, data); err != nil {
			e.logger.Warn("dropping replication subscriber", zap.Error(err))
			delete(e.subscribers, id)
		}
	}
}

func (e *engine) decodeTransaction(data []byte) (Transaction, error) {
	v, err := e.journalSerializer.Deserialize(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	tx, ok := v.(Transaction)
	if !ok {
		return nil, errors.Errorf("journal payload holds %T, which is not a transaction", v)
	}
	return tx, nil
}
