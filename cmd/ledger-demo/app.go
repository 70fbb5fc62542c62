/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"encoding/gob"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Ledger is the prevalent system of the demo: a set of named accounts and
// the history length of applied operations.
type Ledger struct {
	Accounts   map[string]int64
	Operations uint64
}

func NewLedger() *Ledger {
	return &Ledger{Accounts: map[string]int64{}}
}

// AccountNames returns the account names in stable order, for printing.
func (l *Ledger) AccountNames() []string {
	names := make([]string, 0, len(l.Accounts))
	for name := range l.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deposit credits an account, creating it on first use.
type Deposit struct {
	Account string
	Amount  int64
}

func (t Deposit) Execute(system interface{}, at time.Time) (interface{}, error) {
	if t.Amount <= 0 {
		return nil, errors.Errorf("deposit amount must be positive, got %d", t.Amount)
	}

	ledger := system.(*Ledger)
	ledger.Accounts[t.Account] += t.Amount
	ledger.Operations++
	return ledger.Accounts[t.Account], nil
}

// Transfer moves funds between two accounts, failing without effect when
// the source lacks sufficient funds.
type Transfer struct {
	From   string
	To     string
	Amount int64
}

func (t Transfer) Execute(system interface{}, at time.Time) (interface{}, error) {
	if t.Amount <= 0 {
		return nil, errors.Errorf("transfer amount must be positive, got %d", t.Amount)
	}

	ledger := system.(*Ledger)
	if ledger.Accounts[t.From] < t.Amount {
		return nil, errors.Errorf("insufficient funds: %s holds %d, needs %d", t.From, ledger.Accounts[t.From], t.Amount)
	}

	ledger.Accounts[t.From] -= t.Amount
	ledger.Accounts[t.To] += t.Amount
	ledger.Operations++
	return ledger.Accounts[t.From], nil
}

func init() {
	// The default codec is gob; every type crossing it must be registered.
	gob.Register(&Ledger{})
	gob.Register(Deposit{})
	gob.Register(Transfer{})
}
