/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package journal provides the append-only transaction log.  The
// Persistent variant backs the log with rotatable segment files and
// flushes to stable storage on every append; the Transient variant holds
// entries only in memory and loses them on process exit.
//
// Both variants expose the same contract: Append assigns dense, 0-based
// sequence positions, and ReplayFrom presents all entries at or after a
// position as one ordered stream.
package journal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-prevalence/prevalence/storage"
)

// DefaultSuffix is the logical name tagged onto segment files when no
// custom journal serializer suffix is configured.
const DefaultSuffix = "journal"

// frameHeaderLen is the length prefix plus the timestamp: each record is
// [4B length of the rest][8B unixnano][payload].
const frameHeaderLen = 4

const timestampLen = 8

// Options configures a Persistent journal.  The zero value disables
// rotation thresholds and uses the default suffix.
type Options struct {
	// SizeThreshold closes the active segment once it holds at least this
	// many bytes.  Zero disables size-based rotation.
	SizeThreshold int64

	// AgeThreshold closes the active segment once it has been open this
	// long.  Zero disables age-based rotation.
	AgeThreshold time.Duration

	// Suffix tags segment files with the serialization format they carry.
	Suffix string

	// OnRotate, if set, is called with the path of each segment closed by
	// rotation.
	OnRotate func(path string)

	// OnTruncate, if set, is called when a torn record is cut from the
	// tail of the last segment during Open.
	OnTruncate func(path string, offset int64)
}

// Persistent is the durable journal.  Append does not return until the
// entry has been flushed to the storage device, so nothing is considered
// published until it will also survive a crash.
type Persistent struct {
	dir  *storage.Directory
	opts Options

	mu         sync.Mutex
	active     *os.File
	activePath string
	activeSize int64
	activeBorn time.Time
	nextPos    uint64
	closed     bool
}

// OpenPersistent scans the existing segments under dir, cuts a torn record
// off the tail if the process previously died mid-append, and positions the
// journal for appending.  A restart never appends to an old segment; the
// first append after Open starts a fresh one.
func OpenPersistent(dir *storage.Directory, opts Options) (*Persistent, error) {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if err := storage.CheckValidJournalSuffix(opts.Suffix); err != nil {
		return nil, err
	}

	p := &Persistent{dir: dir, opts: opts}

	segments, err := dir.JournalSegments(opts.Suffix)
	if err != nil {
		return nil, err
	}

	for i, seg := range segments {
		if i > 0 && seg.Start != p.nextPos {
			return nil, errors.Errorf("journal gap: segment %s starts at %d, want %d", seg.Path, seg.Start, p.nextPos)
		}

		count, validSize, torn, err := scanSegment(seg.Path)
		if err != nil {
			return nil, err
		}
		if torn {
			if i != len(segments)-1 {
				return nil, errors.Errorf("segment %s is truncated mid-log", seg.Path)
			}
			if err := os.Truncate(seg.Path, validSize); err != nil {
				return nil, errors.WithMessagef(err, "could not truncate torn record from %s", seg.Path)
			}
			if opts.OnTruncate != nil {
				opts.OnTruncate(seg.Path, validSize)
			}
		}

		// A crash between rotation and the first append leaves a trailing
		// segment with no records.  Remove it, or the next rotation would
		// collide with the existing file.
		if count == 0 && i == len(segments)-1 {
			if err := os.Remove(seg.Path); err != nil {
				return nil, errors.WithMessagef(err, "could not remove empty segment %s", seg.Path)
			}
			continue
		}

		p.nextPos = seg.Start + count
	}

	return p, nil
}

func (p *Persistent) Append(data []byte, at time.Time) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("journal is closed")
	}

	if p.active == nil || p.rotationDue() {
		if err := p.rotate(); err != nil {
			return 0, err
		}
	}

	frame := make([]byte, frameHeaderLen+timestampLen+len(data))
	binary.BigEndian.PutUint32(frame, uint32(timestampLen+len(data)))
	binary.BigEndian.PutUint64(frame[frameHeaderLen:], uint64(at.UnixNano()))
	copy(frame[frameHeaderLen+timestampLen:], data)

	if _, err := p.active.Write(frame); err != nil {
		return 0, errors.WithMessagef(err, "could not append to segment %s", p.activePath)
	}
	if err := p.active.Sync(); err != nil {
		return 0, errors.WithMessagef(err, "could not sync segment %s", p.activePath)
	}

	p.activeSize += int64(len(frame))
	pos := p.nextPos
	p.nextPos++
	return pos, nil
}

func (p *Persistent) NextPosition() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextPos
}

// ReplayFrom streams all entries at or after pos.  The journal is locked
// for the duration, so fn must not append.
func (p *Persistent) ReplayFrom(pos uint64, fn func(pos uint64, at time.Time, data []byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	segments, err := p.dir.JournalSegments(p.opts.Suffix)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	if pos < segments[0].Start {
		return errors.Errorf("journal starts at %d, cannot replay from %d", segments[0].Start, pos)
	}

	// The last segment with Start <= pos holds the first wanted entry.
	first := 0
	for i, seg := range segments {
		if seg.Start <= pos {
			first = i
		}
	}

	for i := first; i < len(segments); i++ {
		seg := segments[i]
		last := i == len(segments)-1
		if err := replaySegment(seg, pos, last, fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persistent) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.active != nil {
		if err := p.active.Close(); err != nil {
			return errors.WithMessagef(err, "could not close segment %s", p.activePath)
		}
		p.active = nil
	}
	return nil
}

func (p *Persistent) rotationDue() bool {
	if p.activeSize == 0 {
		return false
	}
	if p.opts.SizeThreshold > 0 && p.activeSize >= p.opts.SizeThreshold {
		return true
	}
	if p.opts.AgeThreshold > 0 && time.Since(p.activeBorn) >= p.opts.AgeThreshold {
		return true
	}
	return false
}

func (p *Persistent) rotate() error {
	if p.active != nil {
		closed := p.activePath
		if err := p.active.Close(); err != nil {
			return errors.WithMessagef(err, "could not close segment %s", closed)
		}
		p.active = nil
		if p.opts.OnRotate != nil {
			p.opts.OnRotate(closed)
		}
	}

	path := p.dir.JournalFile(p.nextPos, p.opts.Suffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errors.WithMessagef(err, "could not create segment %s", path)
	}

	p.active = f
	p.activePath = path
	p.activeSize = 0
	p.activeBorn = time.Now()
	return nil
}

// scanSegment counts the complete records in a segment file.  validSize is
// the offset just past the last complete record; torn reports whether
// trailing bytes of an incomplete record follow it.
func scanSegment(path string) (count uint64, validSize int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false, errors.WithMessagef(err, "could not open segment %s", path)
	}
	defer f.Close()

	var header [frameHeaderLen]byte
	for {
		_, err := io.ReadFull(f, header[:])
		if err == io.EOF {
			return count, validSize, false, nil
		}
		if err == io.ErrUnexpectedEOF {
			return count, validSize, true, nil
		}
		if err != nil {
			return 0, 0, false, errors.WithMessagef(err, "could not read segment %s", path)
		}

		recordLen := int64(binary.BigEndian.Uint32(header[:]))
		if recordLen < timestampLen {
			return count, validSize, true, nil
		}
		if _, err := f.Seek(recordLen, io.SeekCurrent); err != nil {
			return 0, 0, false, errors.WithMessagef(err, "could not read segment %s", path)
		}

		end, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, 0, false, errors.WithMessagef(err, "could not read segment %s", path)
		}
		info, err := f.Stat()
		if err != nil {
			return 0, 0, false, errors.WithMessagef(err, "could not stat segment %s", path)
		}
		if end > info.Size() {
			return count, validSize, true, nil
		}

		count++
		validSize = end
	}
}

func replaySegment(seg storage.JournalSegment, from uint64, last bool, fn func(pos uint64, at time.Time, data []byte) error) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		return errors.WithMessagef(err, "could not open segment %s", seg.Path)
	}
	defer f.Close()

	pos := seg.Start
	var header [frameHeaderLen]byte
	for {
		_, err := io.ReadFull(f, header[:])
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			if last {
				return nil
			}
			return errors.Errorf("segment %s is truncated mid-log", seg.Path)
		}
		if err != nil {
			return errors.WithMessagef(err, "could not read segment %s", seg.Path)
		}

		recordLen := binary.BigEndian.Uint32(header[:])
		if recordLen < timestampLen {
			return errors.Errorf("segment %s carries a malformed record at position %d", seg.Path, pos)
		}

		record := make([]byte, recordLen)
		if _, err := io.ReadFull(f, record); err != nil {
			if (err == io.ErrUnexpectedEOF || err == io.EOF) && last {
				return nil
			}
			return errors.WithMessagef(err, "could not read entry %d from segment %s", pos, seg.Path)
		}

		if pos >= from {
			at := time.Unix(0, int64(binary.BigEndian.Uint64(record[:timestampLen])))
			if err := fn(pos, at, record[timestampLen:]); err != nil {
				return err
			}
		}
		pos++
	}
}
