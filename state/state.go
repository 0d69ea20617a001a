// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"

	"github.com/ava-labs/kernelvm/track"
)

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	singletonStatePrefix = []byte("singleton")
	substateStatePrefix  = []byte("substate")
	receiptStatePrefix   = []byte("receipt")

	_ State       = &state{}
	_ track.Store = State(nil)
)

// State is the persistent state of the executor: the substate store the
// kernel reads and writes through, the receipts of executed transactions and
// the singleton flags. Writes are buffered until Commit, so a substate diff and
// its receipt land together or not at all.
type State interface {
	InitializedState
	SubstateState
	ReceiptState

	Commit() error
	Abort()
	Close() error
}

type state struct {
	InitializedState
	SubstateState
	ReceiptState

	baseDB *versiondb.Database
}

func NewState(db database.Database) State {
	// create a new baseDB
	baseDB := versiondb.New(db)

	// create a prefixed "singletonDB" from baseDB
	singletonDB := prefixdb.New(singletonStatePrefix, baseDB)
	// create a prefixed "substateDB" from baseDB
	substateDB := prefixdb.New(substateStatePrefix, baseDB)
	// create a prefixed "receiptDB" from baseDB
	receiptDB := prefixdb.New(receiptStatePrefix, baseDB)

	// return state with created sub state components
	return &state{
		InitializedState: NewInitializedState(singletonDB),
		SubstateState:    NewSubstateState(substateDB),
		ReceiptState:     NewReceiptState(receiptDB),
		baseDB:           baseDB,
	}
}

// Commit commits pending operations to baseDB
func (s *state) Commit() error {
	return s.baseDB.Commit()
}

// Abort drops pending operations and every cached read that may reflect
// them.
func (s *state) Abort() {
	s.baseDB.Abort()
	s.ClearCache()
}

func (s *state) ClearCache() {
	s.SubstateState.ClearCache()
	s.ReceiptState.ClearCache()
}

// Close closes the underlying base database
func (s *state) Close() error {
	return s.baseDB.Close()
}
