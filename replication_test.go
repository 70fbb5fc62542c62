/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence_test

import (
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/go-prevalence/prevalence"
	"github.com/go-prevalence/prevalence/replication"
)

var _ = Describe("Replication", func() {
	var (
		tmpDir  string
		primary prevalence.Engine
		server  *replication.Server
		standby prevalence.Engine
	)

	newPrimary := func(configure func(*prevalence.Factory)) {
		f := prevalence.NewFactory()
		f.ConfigurePrevalentSystem(&Counter{})
		f.ConfigurePrevalenceDirectory(tmpDir)
		f.ConfigureLogger(zap.NewNop())
		if configure != nil {
			configure(f)
		}

		var err error
		primary, err = f.Create()
		Expect(err).NotTo(HaveOccurred())

		server, err = replication.NewServer("127.0.0.1:0", primary.(replication.Source))
		Expect(err).NotTo(HaveOccurred())
	}

	newStandby := func(configure func(*prevalence.Factory)) prevalence.Engine {
		f := prevalence.NewFactory()
		f.ConfigurePrevalentSystem(&Counter{})
		f.ConfigureLogger(zap.NewNop())
		f.ConfigureReplicationClient(server.Addr().String())
		if configure != nil {
			configure(f)
		}

		created, err := f.Create()
		Expect(err).NotTo(HaveOccurred())
		return created
	}

	// barrier publishes a read-only transaction through e and returns the
	// observed counter value.  Entries stream in order, so once it returns,
	// e has applied everything published before it.
	barrier := func(e prevalence.Engine) int64 {
		result, err := e.Publish(Noop{})
		Expect(err).NotTo(HaveOccurred())
		return result.(int64)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "replication-test-*")
		Expect(err).NotTo(HaveOccurred())

		newPrimary(nil)
		standby = newStandby(nil)
	})

	AfterEach(func() {
		standby.Close()
		server.Close()
		primary.Close()
		os.RemoveAll(tmpDir)
	})

	It("catches a standby up with history published before it connected", func() {
		standby.Close()

		_, err := primary.Publish(Increment{Amount: 5})
		Expect(err).NotTo(HaveOccurred())

		standby = newStandby(nil)
		Expect(barrier(standby)).To(Equal(int64(5)))
	})

	It("streams entries to a connected standby", func() {
		_, err := primary.Publish(Increment{Amount: 5})
		Expect(err).NotTo(HaveOccurred())
		_, err = primary.Publish(Increment{Amount: 3})
		Expect(err).NotTo(HaveOccurred())

		Expect(barrier(standby)).To(Equal(int64(8)))
		Expect(standby.System().(*Counter).Value).To(Equal(int64(8)))
	})

	It("forwards standby publishes to the primary", func() {
		_, err := primary.Publish(Increment{Amount: 5})
		Expect(err).NotTo(HaveOccurred())

		result, err := standby.Publish(Increment{Amount: 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(int64(8)))

		// Submit returns only after the primary journaled and applied.
		Expect(primary.System().(*Counter).Value).To(Equal(int64(8)))
	})

	It("keeps multiple standbys convergent", func() {
		_, err := standby.Publish(Increment{Amount: 4})
		Expect(err).NotTo(HaveOccurred())

		second := newStandby(nil)
		defer second.Close()
		Expect(barrier(second)).To(Equal(int64(4)))

		_, err = second.Publish(Increment{Amount: 6})
		Expect(err).NotTo(HaveOccurred())

		Expect(barrier(standby)).To(Equal(int64(10)))
		Expect(primary.System().(*Counter).Value).To(Equal(int64(10)))
	})

	It("propagates the primary censor's rejections", func() {
		_, err := standby.Publish(Spend{Amount: 100})
		Expect(err).To(MatchError(ContainSubstring("rejected by primary")))
		Expect(err).To(MatchError(ContainSubstring("cannot spend 100")))

		// Nothing was journaled; the standby keeps working.
		Expect(barrier(standby)).To(Equal(int64(0)))
	})

	It("surfaces application failures under a liberal primary", func() {
		standby.Close()
		server.Close()
		primary.Close()

		newPrimary(func(f *prevalence.Factory) {
			f.ConfigureTransactionFiltering(false)
		})
		standby = newStandby(nil)

		_, err := standby.Publish(Spend{Amount: 100})
		Expect(err).To(MatchError(ContainSubstring("cannot spend 100")))

		// The failure is committed history on both sides.
		Expect(barrier(standby)).To(Equal(int64(0)))
		Expect(primary.System().(*Counter).Value).To(Equal(int64(0)))
	})

	It("refuses checkpoints on a standby without a directory", func() {
		err := standby.TakeCheckpoint()
		Expect(err).To(MatchError(ContainSubstring("unable to take snapshots")))
	})

	It("checkpoints a standby that has a directory of its own", func() {
		standbyDir, err := os.MkdirTemp("", "standby-test-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(standbyDir)

		standby.Close()
		standby = newStandby(func(f *prevalence.Factory) {
			f.ConfigurePrevalenceDirectory(standbyDir)
		})

		_, err = standby.Publish(Increment{Amount: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(standby.TakeCheckpoint()).To(Succeed())

		// A successor standby starts from the snapshot instead of replaying
		// the full history.
		standby.Close()
		standby = newStandby(func(f *prevalence.Factory) {
			f.ConfigurePrevalenceDirectory(standbyDir)
		})
		Expect(barrier(standby)).To(Equal(int64(5)))
	})

	It("fails standby publishes once the primary is gone", func() {
		server.Close()

		_, err := standby.Publish(Increment{Amount: 1})
		Expect(err).To(HaveOccurred())

		_, err = standby.Publish(Increment{Amount: 1})
		Expect(err).To(HaveOccurred())
	})

	It("refuses publishes on a closed standby", func() {
		Expect(standby.Close()).To(Succeed())
		_, err := standby.Publish(Increment{Amount: 1})
		Expect(err).To(MatchError(prevalence.ErrStopped))
	})
})
