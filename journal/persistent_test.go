/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package journal_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/go-prevalence/prevalence/journal"
	"github.com/go-prevalence/prevalence/storage"
)

var _ = Describe("Persistent", func() {
	var (
		tmpDir string
		dir    *storage.Directory
		j      *journal.Persistent
	)

	open := func(opts journal.Options) *journal.Persistent {
		opened, err := journal.OpenPersistent(dir, opts)
		Expect(err).NotTo(HaveOccurred())
		return opened
	}

	BeforeEach(func() {
		var err error

		tmpDir, err = os.MkdirTemp("", "journal-test-*")
		Expect(err).NotTo(HaveOccurred())

		dir, err = storage.Open(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		j = open(journal.Options{})
	})

	AfterEach(func() {
		j.Close()
		os.RemoveAll(tmpDir)
	})

	It("assigns dense positions starting at zero", func() {
		for i := 0; i < 3; i++ {
			pos, err := j.Append([]byte{byte(i)}, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(uint64(i)))
		}
		Expect(j.NextPosition()).To(Equal(uint64(3)))
	})

	It("replays entries in order with their stored timestamps", func() {
		at := time.Unix(0, 1234567890)
		_, err := j.Append([]byte("one"), at)
		Expect(err).NotTo(HaveOccurred())
		_, err = j.Append([]byte("two"), at.Add(time.Second))
		Expect(err).NotTo(HaveOccurred())

		var seen []entry
		Expect(j.ReplayFrom(0, collect(&seen))).To(Succeed())
		Expect(seen).To(HaveLen(2))
		Expect(seen[0]).To(Equal(entry{Pos: 0, At: at, Data: "one"}))
		Expect(seen[1]).To(Equal(entry{Pos: 1, At: at.Add(time.Second), Data: "two"}))
	})

	It("replays from the middle of a segment", func() {
		for i := 0; i < 5; i++ {
			_, err := j.Append([]byte{'a' + byte(i)}, time.Now())
			Expect(err).NotTo(HaveOccurred())
		}

		var seen []entry
		Expect(j.ReplayFrom(3, collect(&seen))).To(Succeed())
		Expect(seen).To(HaveLen(2))
		Expect(seen[0].Pos).To(Equal(uint64(3)))
		Expect(seen[0].Data).To(Equal("d"))
		Expect(seen[1].Pos).To(Equal(uint64(4)))
	})

	It("replays nothing from an empty journal", func() {
		var seen []entry
		Expect(j.ReplayFrom(0, collect(&seen))).To(Succeed())
		Expect(seen).To(BeEmpty())
	})

	It("replays nothing from past the end", func() {
		_, err := j.Append([]byte("only"), time.Now())
		Expect(err).NotTo(HaveOccurred())

		var seen []entry
		Expect(j.ReplayFrom(1, collect(&seen))).To(Succeed())
		Expect(seen).To(BeEmpty())
	})

	It("refuses appends after Close", func() {
		Expect(j.Close()).To(Succeed())
		_, err := j.Append([]byte("late"), time.Now())
		Expect(err).To(MatchError(ContainSubstring("closed")))
	})

	Describe("rotation", func() {
		var rotated []string

		BeforeEach(func() {
			j.Close()
			rotated = nil
			j = open(journal.Options{
				SizeThreshold: 1,
				OnRotate:      func(path string) { rotated = append(rotated, path) },
			})
		})

		It("starts a new segment once the active one reaches the threshold", func() {
			for i := 0; i < 3; i++ {
				_, err := j.Append([]byte("data"), time.Now())
				Expect(err).NotTo(HaveOccurred())
			}

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(3))
			Expect(segments[0].Start).To(Equal(uint64(0)))
			Expect(segments[1].Start).To(Equal(uint64(1)))
			Expect(segments[2].Start).To(Equal(uint64(2)))
			Expect(rotated).To(HaveLen(2))
		})

		It("replays across segment boundaries as one stream", func() {
			for i := 0; i < 4; i++ {
				_, err := j.Append([]byte{'a' + byte(i)}, time.Now())
				Expect(err).NotTo(HaveOccurred())
			}

			var seen []entry
			Expect(j.ReplayFrom(1, collect(&seen))).To(Succeed())
			Expect(seen).To(HaveLen(3))
			Expect(seen[0].Data).To(Equal("b"))
			Expect(seen[2].Data).To(Equal("d"))
		})

		It("rotates on age as well", func() {
			j.Close()
			j = open(journal.Options{AgeThreshold: time.Nanosecond})

			_, err := j.Append([]byte("first"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(time.Millisecond)
			_, err = j.Append([]byte("second"), time.Now())
			Expect(err).NotTo(HaveOccurred())

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(2))
		})
	})

	Describe("reopening", func() {
		It("continues the position sequence in a fresh segment", func() {
			_, err := j.Append([]byte("one"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = j.Append([]byte("two"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Close()).To(Succeed())

			j = open(journal.Options{})
			Expect(j.NextPosition()).To(Equal(uint64(2)))

			pos, err := j.Append([]byte("three"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(uint64(2)))

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(2))
			Expect(segments[1].Start).To(Equal(uint64(2)))

			var seen []entry
			Expect(j.ReplayFrom(0, collect(&seen))).To(Succeed())
			Expect(seen).To(HaveLen(3))
			Expect(seen[2].Data).To(Equal("three"))
		})

		It("cuts a torn record from the tail", func() {
			_, err := j.Append([]byte("one"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = j.Append([]byte("two"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Close()).To(Succeed())

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(1))
			path := segments[0].Path

			info, err := os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
			intact := info.Size()

			// A header promising more bytes than follow, as a crash
			// mid-append would leave behind.
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.Write([]byte{0, 0, 0, 100, 'x', 'y', 'z'})
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			var truncations []int64
			j = open(journal.Options{
				OnTruncate: func(path string, offset int64) { truncations = append(truncations, offset) },
			})

			Expect(truncations).To(Equal([]int64{intact}))
			Expect(j.NextPosition()).To(Equal(uint64(2)))

			info, err = os.Stat(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size()).To(Equal(intact))

			var seen []entry
			Expect(j.ReplayFrom(0, collect(&seen))).To(Succeed())
			Expect(seen).To(HaveLen(2))
			Expect(seen[1].Data).To(Equal("two"))
		})

		It("discards an empty first segment left by a crashed rotation", func() {
			j.Close()
			path := dir.JournalFile(0, journal.DefaultSuffix)
			Expect(os.WriteFile(path, nil, 0o644)).To(Succeed())

			j = open(journal.Options{})
			Expect(j.NextPosition()).To(Equal(uint64(0)))

			pos, err := j.Append([]byte("fresh"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(uint64(0)))
		})

		It("discards an empty trailing segment left by a crashed rotation", func() {
			_, err := j.Append([]byte("one"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = j.Append([]byte("two"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Close()).To(Succeed())

			path := dir.JournalFile(2, journal.DefaultSuffix)
			Expect(os.WriteFile(path, nil, 0o644)).To(Succeed())

			j = open(journal.Options{})
			Expect(j.NextPosition()).To(Equal(uint64(2)))

			pos, err := j.Append([]byte("three"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(pos).To(Equal(uint64(2)))

			var seen []entry
			Expect(j.ReplayFrom(0, collect(&seen))).To(Succeed())
			Expect(seen).To(HaveLen(3))
			Expect(seen[2].Data).To(Equal("three"))
		})

		It("cuts a torn header from the tail", func() {
			_, err := j.Append([]byte("one"), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Close()).To(Succeed())

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			path := segments[0].Path

			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.Write([]byte{0, 0})
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			j = open(journal.Options{})
			Expect(j.NextPosition()).To(Equal(uint64(1)))
		})

		It("rejects a gap in the segment sequence", func() {
			j.Close()
			j = open(journal.Options{SizeThreshold: 1})
			for i := 0; i < 3; i++ {
				_, err := j.Append([]byte("data"), time.Now())
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(j.Close()).To(Succeed())

			segments, err := dir.JournalSegments(journal.DefaultSuffix)
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(3))
			Expect(os.Remove(segments[1].Path)).To(Succeed())

			_, err = journal.OpenPersistent(dir, journal.Options{})
			Expect(err).To(MatchError(ContainSubstring("journal gap")))
		})
	})

	It("keeps formats with different suffixes apart", func() {
		_, err := j.Append([]byte("default"), time.Now())
		Expect(err).NotTo(HaveOccurred())

		other, err := journal.OpenPersistent(dir, journal.Options{Suffix: "xmljournal"})
		Expect(err).NotTo(HaveOccurred())
		defer other.Close()

		Expect(other.NextPosition()).To(Equal(uint64(0)))

		names, err := filepath.Glob(filepath.Join(tmpDir, "*.journal"))
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(HaveLen(1))
	})

	It("rejects an invalid suffix", func() {
		_, err := journal.OpenPersistent(dir, journal.Options{Suffix: "not/a/suffix"})
		Expect(err).To(HaveOccurred())
	})
})
