// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package track

import (
	"fmt"

	"github.com/ava-labs/kernelvm/substate"
)

// Store is the persistent key-value store the Track reads through and the
// executor commits into. Values are serialized substates.
type Store interface {
	// Read returns the encoded value of a substate, or false if it does not
	// exist.
	Read(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey) ([]byte, bool, error)
	// ListPartitionKeys returns the keys of a partition in canonical order.
	ListPartitionKeys(node substate.NodeID, partition substate.PartitionNumber) ([]substate.SubstateKey, error)
	// WriteBatch applies [diff] atomically.
	WriteBatch(diff *StateDiff) error
}

// StoreError wraps a failure of the underlying Store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s failed: %s", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// AccessKind classifies a store access reported by the Track.
type AccessKind uint8

const (
	ReadFromDB AccessKind = iota
	ReadFromDBNotFound
	NewEntryInTrack
)

func (k AccessKind) String() string {
	switch k {
	case ReadFromDB:
		return "read_from_db"
	case ReadFromDBNotFound:
		return "read_from_db_not_found"
	case NewEntryInTrack:
		return "new_entry_in_track"
	default:
		return "unknown"
	}
}

// StoreAccess is reported for every access that reaches the store or grows
// the Track, so the caller can meter it.
type StoreAccess struct {
	Kind      AccessKind
	Node      substate.NodeID
	Partition substate.PartitionNumber
	// Size is the encoded size read, or the number of keys for a scan.
	Size int
}

// AccessHandler observes store accesses. Returning an error aborts the
// operation that caused the access.
type AccessHandler func(StoreAccess) error

func (h AccessHandler) report(a StoreAccess) error {
	if h == nil {
		return nil
	}
	return h(a)
}
