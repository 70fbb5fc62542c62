/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"github.com/go-prevalence/prevalence/codec"
)

// transactionCensor validates a transaction before it is durably journaled.
type transactionCensor interface {
	approve(tx Transaction, at time.Time, system interface{}) error
}

// strictCensor dry-runs every transaction against a disposable deep copy of
// the prevalent system.  The copy is built with a serializer round trip so
// it shares no structure with the live system.  A transaction that fails
// the dry run is never journaled and the live system is never touched.
type strictCensor struct {
	copier codec.Serializer
}

func (c *strictCensor) approve(tx Transaction, at time.Time, system interface{}) error {
	var buf bytes.Buffer
	if err := c.copier.Serialize(&buf, system); err != nil {
		return errors.WithMessage(err, "censor could not copy the prevalent system")
	}

	taster, err := c.copier.Deserialize(&buf)
	if err != nil {
		return errors.WithMessage(err, "censor could not copy the prevalent system")
	}

	_, err = runTransaction(tx, taster, at)
	return err
}

// liberalCensor journals unconditionally.  Failures during real execution
// are surfaced to the caller, but the entry remains in the journal and
// replay reproduces the same failure.
type liberalCensor struct{}

func (liberalCensor) approve(Transaction, time.Time, interface{}) error {
	return nil
}

// runTransaction executes tx, converting a panic into an error so that a
// misbehaving transaction cannot take down the engine.  The conversion is
// deterministic, so a journaled panicking transaction fails identically on
// replay.
func runTransaction(tx Transaction, system interface{}, at time.Time) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("transaction panicked: %v", r)
		}
	}()

	return tx.Execute(system, at)
}
