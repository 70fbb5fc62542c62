/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package journal

import (
	"encoding/binary"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
)

// Transient keeps the journal in badger's in-memory mode: Append never
// blocks on durable I/O and every entry is lost on process exit.  It is
// meant for throwaway or test execution and for checkpoint-only engines
// where only snapshots persist.
type Transient struct {
	db *badger.DB

	mu      sync.Mutex
	nextPos uint64
	closed  bool
}

// OpenTransient opens an empty in-memory journal whose first append is
// assigned position start.  A checkpoint-only engine seeds start from the
// mark of the snapshot it recovered, keeping marks monotone across
// restarts even though the entries themselves are gone.
func OpenTransient(start uint64) (*Transient, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing in-memory db")
	}

	return &Transient{db: db, nextPos: start}, nil
}

func key(pos uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, pos)
	return k
}

func (t *Transient) Append(data []byte, at time.Time) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, errors.New("journal is closed")
	}

	value := make([]byte, timestampLen+len(data))
	binary.BigEndian.PutUint64(value, uint64(at.UnixNano()))
	copy(value[timestampLen:], data)

	pos := t.nextPos
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(pos), value)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "could not store entry %d", pos)
	}

	t.nextPos++
	return pos, nil
}

func (t *Transient) NextPosition() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextPos
}

func (t *Transient) ReplayFrom(pos uint64, fn func(pos uint64, at time.Time, data []byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("journal is closed")
	}

	expected := pos
	return t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(key(pos)); it.Valid(); it.Next() {
			item := it.Item()
			p := binary.BigEndian.Uint64(item.Key())
			if p != expected {
				return errors.Errorf("journal gap: found entry %d, want %d", p, expected)
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return errors.WithMessagef(err, "could not read entry %d", p)
			}
			if len(value) < timestampLen {
				return errors.Errorf("entry %d is malformed", p)
			}

			at := time.Unix(0, int64(binary.BigEndian.Uint64(value[:timestampLen])))
			if err := fn(p, at, value[timestampLen:]); err != nil {
				return err
			}
			expected++
		}
		return nil
	})
}

func (t *Transient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Close()
}
