// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

// substateIO is the only path to heap and track substates. It resolves
// where a node lives, takes locks, and keeps the ownership arena in step
// with the owned sets of written values.
type substateIO struct {
	heap   *Heap
	track  *track.Track
	locks  *lockTable
	owners *ownership

	// movable reports whether a node may change owner right now
	movable  func(substate.NodeID) error
	onAccess track.AccessHandler
}

func (s *substateIO) device(node substate.NodeID) Device {
	if s.heap.Contains(node) {
		return DeviceHeap
	}
	return DeviceStore
}

// read returns a substate without locking it.
func (s *substateIO) read(loc substate.Location) (*substate.Value, bool, error) {
	if s.heap.Contains(loc.Node) {
		v, err := s.heap.GetSubstate(loc.Node, loc.Partition, loc.Key)
		if errors.Is(err, ErrSubstateNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return v.Clone(), true, nil
	}
	return s.track.GetSubstate(loc.Node, loc.Partition, loc.Key, s.onAccess)
}

// nodeExists reports whether [node] is on the heap or in the store.
func (s *substateIO) nodeExists(node substate.NodeID) (bool, error) {
	if s.heap.Contains(node) {
		return true, nil
	}
	return s.track.NodeExists(node, s.onAccess)
}

func (s *substateIO) typeInfo(node substate.NodeID) (substate.TypeInfo, error) {
	v, found, err := s.read(substate.Location{Node: node, Partition: substate.TypeInfoPartition, Key: substate.TypeInfoKey})
	if err != nil {
		return substate.TypeInfo{}, err
	}
	if !found {
		return substate.TypeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, node)
	}
	info, err := substate.ParseTypeInfo(v)
	if err != nil {
		return substate.TypeInfo{}, fmt.Errorf("%w: %s: %v", ErrInvalidTypeInfo, node, err)
	}
	return info, nil
}

func (s *substateIO) open(
	frame uint32,
	loc substate.Location,
	flags LockFlags,
	def *substate.Value,
) (LockHandle, *substate.Value, error) {
	if def != nil && len(def.Owned) > 0 {
		return 0, nil, ErrInvalidDefaultValue
	}
	dev := s.device(loc.Node)
	if flags.Contains(LockUnmodifiedBase) {
		if dev == DeviceHeap {
			return 0, nil, fmt.Errorf("%w: %s", ErrLockUnmodifiedBaseOnHeapNode, loc)
		}
		if info := s.track.GetTrackedSubstateInfo(loc.Node, loc.Partition, loc.Key); info != track.Unmodified {
			return 0, nil, fmt.Errorf("%w: %s is %s", ErrLockUnmodifiedBaseViolation, loc, info)
		}
	}
	if err := s.locks.check(loc, flags); err != nil {
		return 0, nil, err
	}

	value, found, err := s.read(loc)
	if err != nil {
		return 0, nil, err
	}
	virtual := false
	visible := make(map[substate.NodeID]struct{})
	if !found {
		if def == nil {
			return 0, nil, fmt.Errorf("%w: %s", ErrSubstateNotFound, loc)
		}
		value = def.Clone()
		virtual = true
	} else {
		for _, id := range value.Owned {
			visible[id] = struct{}{}
		}
		for _, id := range value.Refs {
			visible[id] = struct{}{}
		}
	}

	entry := &lockEntry{
		frame:        frame,
		location:     loc,
		flags:        flags,
		device:       dev,
		value:        value,
		virtual:      virtual,
		initialOwned: value.OwnedSet(),
		visible:      visible,
	}
	h, err := s.locks.acquire(entry)
	if err != nil {
		return 0, nil, err
	}
	return h, value.Clone(), nil
}

func (s *substateIO) entry(frame uint32, h LockHandle) (*lockEntry, error) {
	e, err := s.locks.get(h)
	if err != nil {
		return nil, err
	}
	if e.frame != frame {
		return nil, fmt.Errorf("%w: %d belongs to frame %d", ErrInvalidLockHandle, h, e.frame)
	}
	return e, nil
}

func (s *substateIO) readLocked(frame uint32, h LockHandle) (*substate.Value, error) {
	e, err := s.entry(frame, h)
	if err != nil {
		return nil, err
	}
	return e.value.Clone(), nil
}

func (s *substateIO) write(frame uint32, h LockHandle, v *substate.Value) error {
	e, err := s.entry(frame, h)
	if err != nil {
		return err
	}
	if !e.flags.Contains(LockMutable) {
		return fmt.Errorf("%w: %s", ErrNoWritePermission, e.location)
	}
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidValue)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	for _, id := range v.Owned {
		if _, ok := e.initialOwned[id]; ok {
			continue
		}
		if !s.owners.owner(id).IsFrame(frame) {
			return fmt.Errorf("%w: %s is not owned by frame %d", ErrInvalidMove, id, frame)
		}
	}
	e.value = v.Clone()
	e.written = true
	return nil
}

// close applies a written value and releases the lock. Children the value
// gained are taken from the frame, children it lost are handed back.
func (s *substateIO) close(frame uint32, h LockHandle) error {
	e, err := s.entry(frame, h)
	if err != nil {
		return err
	}
	if e.written {
		if err := s.apply(frame, e); err != nil {
			return err
		}
	}
	return s.locks.release(h)
}

func (s *substateIO) apply(frame uint32, e *lockEntry) error {
	node := e.location.Node
	current := e.value.OwnedSet()

	var added, removed []substate.NodeID
	for _, id := range e.value.Owned {
		if _, ok := e.initialOwned[id]; !ok {
			added = append(added, id)
		}
	}
	// removal order follows the stored value, not map order
	if prev, found, err := s.read(e.location); err != nil {
		return err
	} else if found {
		for _, id := range prev.Owned {
			if _, ok := current[id]; !ok {
				removed = append(removed, id)
			}
		}
	}

	if e.device == DeviceStore {
		if len(removed) > 0 {
			return fmt.Errorf("%w: %s from %s", ErrStoredNodeRemoved, removed[0], e.location)
		}
		for _, ref := range e.value.Refs {
			if !ref.IsGlobal() {
				return fmt.Errorf("%w: %s references %s", ErrNonGlobalRefNotAllowed, e.location, ref)
			}
		}
	}

	for _, id := range added {
		if !s.owners.owner(id).IsFrame(frame) {
			return fmt.Errorf("%w: %s is not owned by frame %d", ErrInvalidMove, id, frame)
		}
		if s.owners.isAncestor(id, node) {
			return fmt.Errorf("%w: %s would own its own ancestor %s", ErrInvalidMove, node, id)
		}
		if err := s.movable(id); err != nil {
			return err
		}
	}

	for _, id := range added {
		if err := s.owners.transfer(id, FrameOwner(frame), NodeOwner(node)); err != nil {
			return err
		}
		if e.device == DeviceStore {
			if err := s.promote(id); err != nil {
				return err
			}
		}
	}
	for _, id := range removed {
		if err := s.owners.transfer(id, NodeOwner(node), FrameOwner(frame)); err != nil {
			return err
		}
	}

	if e.device == DeviceHeap {
		return s.heap.SetSubstate(node, e.location.Partition, e.location.Key, e.value.Clone())
	}
	if !e.virtual {
		s.track.MarkStale(node, e.location.Partition, e.location.Key)
	}
	return s.track.SetSubstate(node, e.location.Partition, e.location.Key, e.value, s.onAccess)
}

// promote moves a heap node and its subtree into the store.
func (s *substateIO) promote(id substate.NodeID) error {
	return s.heap.MoveNodeToStore(s.track, id, s.movable, func(moved substate.NodeID) error {
		s.owners.promote(moved)
		return nil
	}, s.onAccess)
}

// set writes a substate without handing out a lock.
func (s *substateIO) set(frame uint32, loc substate.Location, v *substate.Value) error {
	h, _, err := s.open(frame, loc, LockMutable, &substate.Value{})
	if err != nil {
		return err
	}
	if err := s.write(frame, h, v); err != nil {
		if rerr := s.locks.release(h); rerr != nil {
			return fmt.Errorf("%w (release: %v)", err, rerr)
		}
		return err
	}
	return s.close(frame, h)
}

// remove deletes a substate. Children of a heap substate return to the
// frame; stored substates may not own children.
func (s *substateIO) remove(frame uint32, loc substate.Location) (*substate.Value, bool, error) {
	if s.locks.isSubstateLocked(loc) {
		return nil, false, fmt.Errorf("%w: %s", ErrSubstateLocked, loc)
	}
	prev, found, err := s.read(loc)
	if err != nil || !found {
		return nil, false, err
	}
	if s.heap.Contains(loc.Node) {
		for _, id := range prev.Owned {
			if err := s.owners.transfer(id, NodeOwner(loc.Node), FrameOwner(frame)); err != nil {
				return nil, false, err
			}
		}
		v, ok, err := s.heap.RemoveSubstate(loc.Node, loc.Partition, loc.Key)
		return v, ok, err
	}
	if len(prev.Owned) > 0 {
		return nil, false, fmt.Errorf("%w: %s from %s", ErrStoredNodeRemoved, prev.Owned[0], loc)
	}
	s.track.MarkStale(loc.Node, loc.Partition, loc.Key)
	return s.track.RemoveSubstate(loc.Node, loc.Partition, loc.Key, s.onAccess)
}

func (s *substateIO) scan(node substate.NodeID, partition substate.PartitionNumber, limit int) ([]substate.SubstateKey, error) {
	if s.locks.isPartitionWriteLocked(node, partition) {
		return nil, fmt.Errorf("%w: partition %d of %s", ErrSubstateLocked, partition, node)
	}
	if s.heap.Contains(node) {
		return s.heap.ScanKeys(node, partition, limit)
	}
	return s.track.ScanKeys(node, partition, limit, s.onAccess)
}
