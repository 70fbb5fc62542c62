/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package snapshot persists and reloads full serialized copies of the
// prevalent system.  Each snapshot artifact is tagged with the journal
// position (mark) it reflects and with the suffix of the serialization
// format that wrote it, so snapshots written by prior configurations remain
// readable after a format migration.
package snapshot

import (
	"os"

	"github.com/pkg/errors"

	"github.com/go-prevalence/prevalence/codec"
	"github.com/go-prevalence/prevalence/storage"
)

// DefaultSuffix is the logical name tagged onto snapshot files when no
// custom snapshot serializer suffix is configured.
const DefaultSuffix = "snapshot"

// FileStore writes snapshots as files under a prevalence base directory.
// The first registered serializer is the primary: it writes new snapshots.
// Additional serializers are read-compatibility formats, consulted when
// resolving the latest snapshot on disk.
type FileStore struct {
	dir         *storage.Directory
	initial     interface{}
	serializers map[string]codec.Serializer
	suffixes    []string
}

// NewFileStore creates a store over dir.  initial is the application's
// newly started, empty prevalent system, returned by LoadLatest until the
// first snapshot is taken.
func NewFileStore(dir *storage.Directory, initial interface{}) *FileStore {
	return &FileStore{
		dir:         dir,
		initial:     initial,
		serializers: map[string]codec.Serializer{},
	}
}

// RegisterSerializer adds a serialization format under the given suffix.
// The first registration establishes the primary (write) format.
func (s *FileStore) RegisterSerializer(suffix string, ser codec.Serializer) error {
	if err := storage.CheckValidSnapshotSuffix(suffix); err != nil {
		return err
	}
	if _, ok := s.serializers[suffix]; ok {
		return errors.Errorf("snapshot serializer for suffix %q already registered", suffix)
	}

	s.serializers[suffix] = ser
	s.suffixes = append(s.suffixes, suffix)
	return nil
}

// TakeSnapshot serializes system with the primary format into a scratch
// file and renames it into place, so a concurrent reader either sees the
// previous latest snapshot or the complete new one, never a partial write.
func (s *FileStore) TakeSnapshot(system interface{}, mark uint64) error {
	suffix, ser, err := s.primary()
	if err != nil {
		return err
	}

	tmp := s.dir.TempSnapshotFile(mark, suffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithMessagef(err, "could not create snapshot file %s", tmp)
	}

	if err := ser.Serialize(f, system); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.WithMessage(err, "could not serialize snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.WithMessagef(err, "could not sync snapshot file %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.WithMessagef(err, "could not close snapshot file %s", tmp)
	}

	final := s.dir.SnapshotFile(mark, suffix)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.WithMessagef(err, "could not publish snapshot %s", final)
	}
	return nil
}

// LoadLatest finds the snapshot with the highest mark across all registered
// formats, preferring the primary on ties, and deserializes it with the
// format that wrote it.
func (s *FileStore) LoadLatest() (interface{}, uint64, error) {
	if _, _, err := s.primary(); err != nil {
		return nil, 0, err
	}

	info, err := s.dir.LatestSnapshot(s.suffixes)
	if err != nil {
		return nil, 0, err
	}
	if info == nil {
		return s.initial, 0, nil
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "could not open snapshot %s", info.Path)
	}
	defer f.Close()

	system, err := s.serializers[info.Suffix].Deserialize(f)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "could not read snapshot %s", info.Path)
	}
	return system, info.Mark, nil
}

func (s *FileStore) primary() (string, codec.Serializer, error) {
	if len(s.suffixes) == 0 {
		return "", nil, errors.New("no snapshot serializer registered")
	}
	suffix := s.suffixes[0]
	return suffix, s.serializers[suffix], nil
}

// NullStore is used when snapshot persistence is disabled entirely.
// LoadLatest hands back the live in-memory system and TakeSnapshot fails
// with the configured reason.
type NullStore struct {
	system interface{}
	reason string
}

func NewNullStore(system interface{}, reason string) *NullStore {
	return &NullStore{system: system, reason: reason}
}

func (s *NullStore) TakeSnapshot(interface{}, uint64) error {
	return errors.New(s.reason)
}

func (s *NullStore) LoadLatest() (interface{}, uint64, error) {
	return s.system, 0, nil
}
