/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-prevalence/prevalence/codec"
	"github.com/go-prevalence/prevalence/replication"
)

// replica is the standby-side Engine.  It keeps its own copy of the
// prevalent system current by applying the primary's committed entry
// stream in order.  Publish forwards the transaction to the primary and,
// once the primary acknowledges the assigned position, returns the result
// computed by applying that very entry locally.  Determinism makes it
// identical to the primary's.
type replica struct {
	mu      sync.Mutex
	system  interface{}
	nextPos uint64
	closed  bool

	journalSerializer codec.Serializer
	snapshots         SnapshotStore
	logger            Logger
	monitor           Monitor

	client *replication.Client

	// outcomes caches apply results by position while local publishes are
	// in flight, so Publish can pick up the result of its own entry.
	pending  int
	outcomes map[uint64]applyOutcome
}

type applyOutcome struct {
	result interface{}
	err    error
}

func newReplica(addr string, system interface{}, snapshots SnapshotStore, journalSerializer codec.Serializer, logger Logger, monitor Monitor) (*replica, error) {
	loaded, mark, err := snapshots.LoadLatest()
	if err != nil {
		return nil, errors.WithMessage(err, "could not load latest snapshot")
	}

	r := &replica{
		system:            loaded,
		nextPos:           mark,
		journalSerializer: journalSerializer,
		snapshots:         snapshots,
		logger:            logger,
		monitor:           monitor,
		outcomes:          map[uint64]applyOutcome{},
	}

	client, err := replication.Dial(addr, mark, r.apply)
	if err != nil {
		return nil, err
	}
	r.client = client

	logger.Info("standby connected to primary", zap.String("addr", addr), zap.Uint64("from", mark))
	return r, nil
}

// apply consumes one entry from the primary's stream.  Entries arrive in
// journal order from a single goroutine; any gap means the stream is
// unusable and tears the connection down.
func (r *replica) apply(pos uint64, at time.Time, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("replica is closed")
	}
	if pos != r.nextPos {
		return errors.Errorf("entry stream out of order: got %d, want %d", pos, r.nextPos)
	}

	v, err := r.journalSerializer.Deserialize(bytes.NewReader(data))
	if err != nil {
		return errors.WithMessagef(err, "could not decode streamed entry %d", pos)
	}
	tx, ok := v.(Transaction)
	if !ok {
		return errors.Errorf("streamed entry %d holds %T, which is not a transaction", pos, v)
	}

	result, appErr := runTransaction(tx, r.system, at)
	r.nextPos = pos + 1

	if r.pending > 0 {
		r.outcomes[pos] = applyOutcome{result: result, err: appErr}
	}
	if appErr != nil {
		r.monitor.TransactionFailed(pos, appErr)
	} else {
		r.monitor.TransactionPublished(pos)
	}
	return nil
}

func (r *replica) Publish(tx Transaction) (interface{}, error) {
	if tx == nil {
		return nil, errors.New("cannot publish a nil transaction")
	}

	var buf bytes.Buffer
	if err := r.journalSerializer.Serialize(&buf, tx); err != nil {
		return nil, errors.WithMessagef(err, "could not serialize transaction %T", tx)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	r.pending++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.pending--
		if r.pending == 0 {
			r.outcomes = map[uint64]applyOutcome{}
		}
		r.mu.Unlock()
	}()

	pos, err := r.client.Submit(buf.Bytes())
	if err != nil {
		return nil, err
	}

	// The entry message precedes its ack on the same connection and is
	// applied synchronously by the read loop, so the outcome is recorded
	// by the time Submit returns.
	r.mu.Lock()
	outcome, ok := r.outcomes[pos]
	delete(r.outcomes, pos)
	r.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("entry %d acknowledged but not applied", pos)
	}
	return outcome.result, outcome.err
}

// TakeCheckpoint snapshots the standby's local copy tagged with the next
// position it expects from the stream.
func (r *replica) TakeCheckpoint() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStopped
	}

	mark := r.nextPos
	started := time.Now()
	if err := r.snapshots.TakeSnapshot(r.system, mark); err != nil {
		r.monitor.SnapshotFailed(err)
		return err
	}
	r.monitor.SnapshotTaken(mark, time.Since(started))
	return nil
}

func (r *replica) System() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.system
}

func (r *replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.client.Close()
}
