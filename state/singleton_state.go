// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
)

const (
	IsInitializedKey byte = iota
	LastExecutedKey
)

var (
	isInitializedKey                  = []byte{IsInitializedKey}
	lastExecutedKey                   = []byte{LastExecutedKey}
	_                InitializedState = (*initializedState)(nil)
)

// InitializedState is a thin wrapper around a database to provide
// serialization and de-serialization of the singleton flags: whether genesis
// ran and which transaction executed last.
type InitializedState interface {
	IsInitialized() (bool, error)
	SetInitialized() error

	GetLastExecuted() (ids.ID, error)
	SetLastExecuted(txID ids.ID) error
}

type initializedState struct {
	singletonDB database.Database
}

func NewInitializedState(db database.Database) InitializedState {
	return &initializedState{
		singletonDB: db,
	}
}

func (s *initializedState) IsInitialized() (bool, error) {
	return s.singletonDB.Has(isInitializedKey)
}

func (s *initializedState) SetInitialized() error {
	return s.singletonDB.Put(isInitializedKey, nil)
}

// GetLastExecuted returns ids.Empty before any transaction executed.
func (s *initializedState) GetLastExecuted() (ids.ID, error) {
	b, err := s.singletonDB.Get(lastExecutedKey)
	if err == database.ErrNotFound {
		return ids.Empty, nil
	}
	if err != nil {
		return ids.Empty, err
	}
	return ids.ToID(b)
}

func (s *initializedState) SetLastExecuted(txID ids.ID) error {
	return s.singletonDB.Put(lastExecutedKey, txID[:])
}
