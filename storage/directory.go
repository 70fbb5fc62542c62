/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package storage manages the prevalence base directory: the naming,
// validation and discovery of journal segment files and snapshot files.
//
// Artifacts are named "%019d.<suffix>", where the number is a journal
// segment's starting sequence position or a snapshot's mark.  The suffix
// identifies the serialization format, so differently encoded artifacts can
// coexist in one directory without being misread.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	journalSuffixPattern  = regexp.MustCompile(`^[a-zA-Z0-9]*journal$`)
	snapshotSuffixPattern = regexp.MustCompile(`^[a-zA-Z0-9]*snapshot$`)
)

// tempSuffix is appended to snapshot files while they are being written.
// It never matches a registered suffix, so a half-written snapshot is
// invisible to LatestSnapshot.
const tempSuffix = "generating"

// CheckValidJournalSuffix reports whether suffix is usable for journal
// segment files.
func CheckValidJournalSuffix(suffix string) error {
	if !journalSuffixPattern.MatchString(suffix) {
		return errors.Errorf("journal suffix %q does not match %s", suffix, journalSuffixPattern)
	}
	return nil
}

// CheckValidSnapshotSuffix reports whether suffix is usable for snapshot
// files.
func CheckValidSnapshotSuffix(suffix string) error {
	if !snapshotSuffixPattern.MatchString(suffix) {
		return errors.Errorf("snapshot suffix %q does not match %s", suffix, snapshotSuffixPattern)
	}
	return nil
}

// Directory is a prevalence base directory.
type Directory struct {
	path string
}

// Open creates the directory if necessary and verifies it is usable.
func Open(path string) (*Directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "could not create prevalence base %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not stat prevalence base %q", path)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("prevalence base %q is not a directory", path)
	}

	return &Directory{path: path}, nil
}

func (d *Directory) Path() string {
	return d.path
}

// JournalFile returns the path of the journal segment starting at pos.
func (d *Directory) JournalFile(pos uint64, suffix string) string {
	return filepath.Join(d.path, artifactName(pos, suffix))
}

// SnapshotFile returns the path of the snapshot tagged with mark.
func (d *Directory) SnapshotFile(mark uint64, suffix string) string {
	return filepath.Join(d.path, artifactName(mark, suffix))
}

// TempSnapshotFile returns the scratch path a snapshot for mark is written
// to before being renamed into place.
func (d *Directory) TempSnapshotFile(mark uint64, suffix string) string {
	return filepath.Join(d.path, artifactName(mark, suffix)+"."+tempSuffix)
}

// JournalSegment identifies one segment file by the sequence position of
// its first entry.
type JournalSegment struct {
	Start uint64
	Path  string
}

// JournalSegments lists the segment files carrying the given suffix, in
// ascending starting-position order.
func (d *Directory) JournalSegments(suffix string) ([]JournalSegment, error) {
	names, err := d.list()
	if err != nil {
		return nil, err
	}

	var segments []JournalSegment
	for _, name := range names {
		num, s, ok := parseArtifactName(name)
		if !ok || s != suffix {
			continue
		}
		segments = append(segments, JournalSegment{Start: num, Path: filepath.Join(d.path, name)})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return segments, nil
}

// SnapshotInfo identifies one snapshot file.
type SnapshotInfo struct {
	Mark   uint64
	Suffix string
	Path   string
}

// LatestSnapshot returns the snapshot with the highest mark among the given
// suffixes, preferring earlier suffixes (the primary comes first) on ties.
// It returns nil when no snapshot exists.
func (d *Directory) LatestSnapshot(suffixes []string) (*SnapshotInfo, error) {
	names, err := d.list()
	if err != nil {
		return nil, err
	}

	preference := map[string]int{}
	for i, s := range suffixes {
		preference[s] = i
	}

	var best *SnapshotInfo
	for _, name := range names {
		num, s, ok := parseArtifactName(name)
		if !ok {
			continue
		}
		rank, registered := preference[s]
		if !registered {
			continue
		}
		if best == nil || num > best.Mark || (num == best.Mark && rank < preference[best.Suffix]) {
			best = &SnapshotInfo{Mark: num, Suffix: s, Path: filepath.Join(d.path, name)}
		}
	}
	return best, nil
}

func (d *Directory) list() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not list prevalence base %q", d.path)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func artifactName(num uint64, suffix string) string {
	return fmt.Sprintf("%019d.%s", num, suffix)
}

// parseArtifactName splits "%019d.<suffix>" into its parts.  Anything else,
// including temp files with their extra suffix, is rejected.
func parseArtifactName(name string) (uint64, string, bool) {
	dot := strings.IndexByte(name, '.')
	if dot != 19 {
		return 0, "", false
	}
	num, err := strconv.ParseUint(name[:dot], 10, 64)
	if err != nil {
		return 0, "", false
	}
	suffix := name[dot+1:]
	if suffix == "" || strings.ContainsRune(suffix, '.') {
		return 0, "", false
	}
	return num, suffix, true
}
