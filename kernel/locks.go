// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ava-labs/kernelvm/substate"
)

// LockFlags select the mode of a substate lock.
type LockFlags uint8

const (
	// LockMutable allows writes through the handle and excludes every other
	// lock on the substate.
	LockMutable LockFlags = 1 << iota
	// LockUnmodifiedBase requires the substate to be unchanged since the
	// transaction started.
	LockUnmodifiedBase
)

// LockReadOnly is the zero flag set.
const LockReadOnly LockFlags = 0

func (f LockFlags) Contains(o LockFlags) bool { return f&o == o }

func (f LockFlags) String() string {
	var parts []string
	if f.Contains(LockMutable) {
		parts = append(parts, "mutable")
	}
	if f.Contains(LockUnmodifiedBase) {
		parts = append(parts, "unmodified_base")
	}
	if len(parts) == 0 {
		return "read_only"
	}
	return strings.Join(parts, "|")
}

// Device is where a locked substate resolved to.
type Device uint8

const (
	DeviceHeap Device = iota
	DeviceStore
)

func (d Device) String() string {
	if d == DeviceHeap {
		return "heap"
	}
	return "store"
}

// LockHandle identifies an open substate lock. It is invalid after close.
type LockHandle uint32

// LockInfo describes an open lock.
type LockInfo struct {
	Location substate.Location
	Flags    LockFlags
	Device   Device
}

type lockEntry struct {
	handle   LockHandle
	frame    uint32
	location substate.Location
	flags    LockFlags
	device   Device

	// working copy, applied to the heap or track on close
	value   *substate.Value
	written bool
	// the value came from a default and was never stored
	virtual bool
	// owned set of the value when the lock was taken
	initialOwned map[substate.NodeID]struct{}
	// nodes the stored value owned or referenced when the lock was taken.
	// Staged writes and defaults never add to it.
	visible map[substate.NodeID]struct{}
}

type keyState struct {
	readers int
	writer  bool
}

// lockTable enforces that a substate is checked out by at most one
// compatible set of locks. Read locks share, a mutable lock is exclusive.
type lockTable struct {
	next  LockHandle
	locks map[LockHandle]*lockEntry
	keys  map[string]*keyState
	nodes map[substate.NodeID]int
	// mutable locks per node partition
	partitions map[string]int
}

func newLockTable() *lockTable {
	return &lockTable{
		next:       1,
		locks:      make(map[LockHandle]*lockEntry),
		keys:       make(map[string]*keyState),
		nodes:      make(map[substate.NodeID]int),
		partitions: make(map[string]int),
	}
}

func lockKey(loc substate.Location) string {
	return string(substate.DBKey(loc.Node, loc.Partition, loc.Key))
}

func partitionKey(node substate.NodeID, partition substate.PartitionNumber) string {
	return string(substate.PartitionPrefix(node, partition))
}

// check reports whether a lock with [flags] could be taken on [loc].
func (t *lockTable) check(loc substate.Location, flags LockFlags) error {
	ks, ok := t.keys[lockKey(loc)]
	if !ok {
		return nil
	}
	if ks.writer || (flags.Contains(LockMutable) && ks.readers > 0) {
		return fmt.Errorf("%w: %s", ErrSubstateLocked, loc)
	}
	return nil
}

func (t *lockTable) acquire(e *lockEntry) (LockHandle, error) {
	if err := t.check(e.location, e.flags); err != nil {
		return 0, err
	}
	k := lockKey(e.location)
	ks, ok := t.keys[k]
	if !ok {
		ks = &keyState{}
		t.keys[k] = ks
	}
	if e.flags.Contains(LockMutable) {
		ks.writer = true
		t.partitions[partitionKey(e.location.Node, e.location.Partition)]++
	} else {
		ks.readers++
	}
	t.nodes[e.location.Node]++

	e.handle = t.next
	t.next++
	t.locks[e.handle] = e
	return e.handle, nil
}

func (t *lockTable) get(h LockHandle) (*lockEntry, error) {
	e, ok := t.locks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLockHandle, h)
	}
	return e, nil
}

func (t *lockTable) release(h LockHandle) error {
	e, ok := t.locks[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidLockHandle, h)
	}
	k := lockKey(e.location)
	ks, ok := t.keys[k]
	if !ok {
		return fmt.Errorf("%w: no key state for %s", ErrLockTable, e.location)
	}
	if e.flags.Contains(LockMutable) {
		ks.writer = false
		pk := partitionKey(e.location.Node, e.location.Partition)
		if t.partitions[pk]--; t.partitions[pk] <= 0 {
			delete(t.partitions, pk)
		}
	} else {
		ks.readers--
	}
	if !ks.writer && ks.readers <= 0 {
		delete(t.keys, k)
	}
	if t.nodes[e.location.Node]--; t.nodes[e.location.Node] <= 0 {
		delete(t.nodes, e.location.Node)
	}
	delete(t.locks, h)
	return nil
}

func (t *lockTable) isNodeLocked(id substate.NodeID) bool { return t.nodes[id] > 0 }

func (t *lockTable) isSubstateLocked(loc substate.Location) bool {
	_, ok := t.keys[lockKey(loc)]
	return ok
}

func (t *lockTable) isPartitionWriteLocked(node substate.NodeID, partition substate.PartitionNumber) bool {
	return t.partitions[partitionKey(node, partition)] > 0
}

// frameLocks returns the open handles of [frame] in the order they were
// taken.
func (t *lockTable) frameLocks(frame uint32) []LockHandle {
	var out []LockHandle
	for h, e := range t.locks {
		if e.frame == frame {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// len is the number of open locks.
func (t *lockTable) len() int { return len(t.locks) }
