/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prevalence

import "time"

// Clock supplies the execution timestamp assigned to a transaction at
// publish time.  The timestamp is read once and stored with the journal
// entry; recovery reuses the stored value and never consults the Clock,
// which keeps time-dependent transaction logic reproducible.
//
// The Clock is injectable so tests can substitute a deterministic source.
type Clock interface {
	Now() time.Time
}

// MachineClock is the default Clock, backed by the machine's wall clock.
type MachineClock struct{}

func (MachineClock) Now() time.Time {
	return time.Now()
}
