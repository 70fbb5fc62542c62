/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package snapshot_test

import (
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/go-prevalence/prevalence/codec"
	"github.com/go-prevalence/prevalence/snapshot"
	"github.com/go-prevalence/prevalence/storage"
)

// brokenSerializer stands in for a format whose writer fails mid-stream.
type brokenSerializer struct{}

func (brokenSerializer) Serialize(io.Writer, interface{}) error {
	return errors.New("writer exploded")
}

func (brokenSerializer) Deserialize(io.Reader) (interface{}, error) {
	return nil, errors.New("reader exploded")
}

var _ = Describe("FileStore", func() {
	var (
		tmpDir string
		dir    *storage.Directory
		store  *snapshot.FileStore
	)

	newStore := func() *snapshot.FileStore {
		s := snapshot.NewFileStore(dir, &world{})
		Expect(s.RegisterSerializer(snapshot.DefaultSuffix, codec.NewGob())).To(Succeed())
		return s
	}

	BeforeEach(func() {
		var err error

		tmpDir, err = os.MkdirTemp("", "snapshot-test-*")
		Expect(err).NotTo(HaveOccurred())

		dir, err = storage.Open(tmpDir)
		Expect(err).NotTo(HaveOccurred())

		store = newStore()
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("hands back the initial system before any snapshot exists", func() {
		system, mark, err := store.LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(0)))
		Expect(system).To(Equal(&world{}))
	})

	It("round-trips a snapshot with its mark", func() {
		Expect(store.TakeSnapshot(&world{Population: 7}, 3)).To(Succeed())

		system, mark, err := newStore().LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(3)))
		Expect(system).To(Equal(&world{Population: 7}))
	})

	It("loads the snapshot with the highest mark", func() {
		Expect(store.TakeSnapshot(&world{Population: 1}, 1)).To(Succeed())
		Expect(store.TakeSnapshot(&world{Population: 5}, 5)).To(Succeed())
		Expect(store.TakeSnapshot(&world{Population: 3}, 3)).To(Succeed())

		system, mark, err := store.LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(5)))
		Expect(system).To(Equal(&world{Population: 5}))
	})

	It("leaves no artifact behind when serialization fails", func() {
		failing := snapshot.NewFileStore(dir, &world{})
		Expect(failing.RegisterSerializer("brokensnapshot", brokenSerializer{})).To(Succeed())

		Expect(store.TakeSnapshot(&world{Population: 2}, 2)).To(Succeed())
		Expect(failing.TakeSnapshot(&world{Population: 9}, 9)).NotTo(Succeed())

		names, err := filepath.Glob(filepath.Join(tmpDir, "*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(HaveLen(1))

		system, mark, err := store.LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(2)))
		Expect(system).To(Equal(&world{Population: 2}))
	})

	It("reads snapshots written by a previous format after a migration", func() {
		jsonSer := codec.NewJSON()
		Expect(jsonSer.Register("world", func() interface{} { return &world{} })).To(Succeed())

		old := snapshot.NewFileStore(dir, &world{})
		Expect(old.RegisterSerializer("jsonsnapshot", jsonSer)).To(Succeed())
		Expect(old.TakeSnapshot(&world{Population: 11}, 4)).To(Succeed())

		migrated := snapshot.NewFileStore(dir, &world{})
		Expect(migrated.RegisterSerializer(snapshot.DefaultSuffix, codec.NewGob())).To(Succeed())
		Expect(migrated.RegisterSerializer("jsonsnapshot", jsonSer)).To(Succeed())

		system, mark, err := migrated.LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(4)))
		Expect(system).To(Equal(&world{Population: 11}))

		// New snapshots go out in the primary format.
		Expect(migrated.TakeSnapshot(&world{Population: 12}, 6)).To(Succeed())
		_, err = os.Stat(filepath.Join(tmpDir, "0000000000000000006.snapshot"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects duplicate serializer suffixes", func() {
		err := store.RegisterSerializer(snapshot.DefaultSuffix, codec.NewGob())
		Expect(err).To(MatchError(ContainSubstring("already registered")))
	})

	It("rejects an invalid suffix", func() {
		Expect(store.RegisterSerializer("not a suffix", codec.NewGob())).NotTo(Succeed())
	})

	It("fails cleanly with no serializer registered", func() {
		empty := snapshot.NewFileStore(dir, &world{})
		Expect(empty.TakeSnapshot(&world{}, 1)).NotTo(Succeed())
		_, _, err := empty.LoadLatest()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("NullStore", func() {
	It("hands back the live system and refuses to snapshot", func() {
		system := &world{Population: 5}
		store := snapshot.NewNullStore(system, "snapshots are disabled in transient mode")

		loaded, mark, err := store.LoadLatest()
		Expect(err).NotTo(HaveOccurred())
		Expect(mark).To(Equal(uint64(0)))
		Expect(loaded).To(BeIdenticalTo(system))

		Expect(store.TakeSnapshot(system, 1)).To(MatchError("snapshots are disabled in transient mode"))
	})
})
