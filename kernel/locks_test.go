// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

func testLocation(name string) substate.Location {
	return substate.Location{
		Node:      substate.WellKnownNodeID(substate.EntityTypeGlobalComponent, name),
		Partition: substate.MainPartition,
		Key:       substate.FieldKey(0),
	}
}

func TestLockCompatibility(t *testing.T) {
	assert := assert.New(t)
	table := newLockTable()
	loc := testLocation("a")

	r1, err := table.acquire(&lockEntry{frame: 1, location: loc})
	assert.NoError(err)
	r2, err := table.acquire(&lockEntry{frame: 2, location: loc})
	assert.NoError(err)
	assert.NotEqual(r1, r2)

	_, err = table.acquire(&lockEntry{frame: 2, location: loc, flags: LockMutable})
	assert.ErrorIs(err, ErrSubstateLocked)

	assert.NoError(table.release(r1))
	assert.NoError(table.release(r2))
	assert.False(table.isSubstateLocked(loc))

	w, err := table.acquire(&lockEntry{frame: 1, location: loc, flags: LockMutable})
	assert.NoError(err)
	assert.True(table.isNodeLocked(loc.Node))
	assert.True(table.isPartitionWriteLocked(loc.Node, loc.Partition))

	_, err = table.acquire(&lockEntry{frame: 2, location: loc})
	assert.ErrorIs(err, ErrSubstateLocked)

	// closing the writer lets the retry through
	assert.NoError(table.release(w))
	_, err = table.acquire(&lockEntry{frame: 2, location: loc, flags: LockMutable})
	assert.NoError(err)

	assert.ErrorIs(table.release(w), ErrInvalidLockHandle)
	assert.Equal(1, table.len())
}

func TestFrameLocksInOrder(t *testing.T) {
	table := newLockTable()
	var want []LockHandle
	for i := 0; i < 5; i++ {
		h, err := table.acquire(&lockEntry{frame: 3, location: testLocation(fmt.Sprint(i))})
		require.NoError(t, err)
		want = append(want, h)
		_, err = table.acquire(&lockEntry{frame: 4, location: testLocation(fmt.Sprint("x", i))})
		require.NoError(t, err)
	}
	assert.Equal(t, want, table.frameLocks(3))
}

func TestLockFlagsString(t *testing.T) {
	assert.Equal(t, "read_only", LockReadOnly.String())
	assert.Equal(t, "mutable", LockMutable.String())
	assert.True(t, (LockMutable | LockUnmodifiedBase).Contains(LockMutable))
	assert.False(t, LockReadOnly.Contains(LockMutable))
}

func TestOwnershipTransfer(t *testing.T) {
	assert := assert.New(t)
	o := newOwnership()
	parent := substate.DeriveNodeID(substate.EntityTypeInternalObject, [32]byte{1}, 0)
	child := substate.DeriveNodeID(substate.EntityTypeInternalVault, [32]byte{1}, 1)

	assert.NoError(o.allocate(parent, FrameOwner(1)))
	assert.NoError(o.allocate(child, FrameOwner(1)))
	assert.ErrorIs(o.allocate(child, FrameOwner(2)), ErrDuplicateNode)
	assert.Equal([]substate.NodeID{parent, child}, o.owned(1))

	// only the current owner may move a node
	assert.ErrorIs(o.transfer(child, FrameOwner(2), FrameOwner(3)), ErrInvalidMove)
	assert.NoError(o.transfer(child, FrameOwner(1), NodeOwner(parent)))
	assert.True(o.owner(child).IsNode(parent))
	assert.Equal([]substate.NodeID{parent}, o.owned(1))

	p, ok := o.parent(child)
	assert.True(ok)
	assert.Equal(parent, p)
	assert.True(o.isAncestor(parent, child))
	assert.False(o.isAncestor(child, parent))

	o.promote(parent)
	assert.Equal(OwnerStore, o.owner(parent).Kind)
	assert.Empty(o.owned(1))

	assert.NoError(o.release(child, NodeOwner(parent)))
	assert.Equal(OwnerNone, o.owner(child).Kind)
}

func TestFrameTransitions(t *testing.T) {
	f := newCallFrame(7, 1, RootActor())
	assert.ErrorIs(t, f.transition(FrameExiting), ErrFrameState)
	assert.NoError(t, f.transition(FrameExecuting))
	assert.NoError(t, f.transition(FrameExiting))
	assert.NoError(t, f.transition(FrameClosed))
	assert.ErrorIs(t, f.transition(FrameClosed), ErrFrameState)
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"plain", errors.New("x"), CategoryUnknown},
		{"structural", fmt.Errorf("%w: detail", ErrSubstateLocked), CategoryStructural},
		{"authorization", fmt.Errorf("wrapped: %w", ErrUnauthorized), CategoryAuthorization},
		{"cost", ErrCostLimitExceeded, CategoryResourceLimit},
		{"deadline", fmt.Errorf("%w", context.DeadlineExceeded), CategoryResourceLimit},
		{"store", &track.StoreError{Op: "read", Err: errors.New("disk")}, CategoryStore},
		{"guest", &GuestError{Export: "f", Err: ErrUnauthorized}, CategoryGuest},
		{"locked inside guest", fmt.Errorf("call: %w", &GuestError{Export: "f", Err: ErrSubstateLocked}), CategoryGuest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, CategoryOf(test.err))
		})
	}
	assert.True(t, IsInvariant(fmt.Errorf("x: %w", ErrOrphanedNode)))
	assert.False(t, IsInvariant(ErrSubstateLocked))
	assert.True(t, errors.Is(&GuestError{Err: ErrSubstateLocked}, ErrSubstateLocked))
}
