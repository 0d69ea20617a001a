// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

// Heap holds the nodes of one transaction that are not in the store. It owns
// their substates by value.
type Heap struct {
	nodes map[substate.NodeID]substate.NodeSubstates
}

func NewHeap() *Heap {
	return &Heap{nodes: make(map[substate.NodeID]substate.NodeSubstates)}
}

func (h *Heap) Contains(id substate.NodeID) bool {
	_, ok := h.nodes[id]
	return ok
}

// Len is the number of nodes on the heap.
func (h *Heap) Len() int { return len(h.nodes) }

func (h *Heap) CreateNode(id substate.NodeID, substates substate.NodeSubstates) error {
	if h.Contains(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	if substates == nil {
		substates = substate.NodeSubstates{}
	}
	h.nodes[id] = substates
	return nil
}

// GetSubstate returns the stored value. Callers must clone before handing it
// out.
func (h *Heap) GetSubstate(
	id substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) (*substate.Value, error) {
	subs, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	v, ok := subs.Get(partition, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d/%s", ErrSubstateNotFound, id, partition, key)
	}
	return v, nil
}

func (h *Heap) SetSubstate(
	id substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	value *substate.Value,
) error {
	subs, ok := h.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	subs.Set(partition, key, value)
	return nil
}

func (h *Heap) RemoveSubstate(
	id substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) (*substate.Value, bool, error) {
	subs, ok := h.nodes[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	v, ok := subs.Remove(partition, key)
	return v, ok, nil
}

// ScanKeys returns up to [limit] keys of a partition in canonical order. A
// zero limit returns every key.
func (h *Heap) ScanKeys(id substate.NodeID, partition substate.PartitionNumber, limit int) ([]substate.SubstateKey, error) {
	subs, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	keys := subs.Keys(partition)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// RemoveNode detaches the node and hands its substates to the caller.
func (h *Heap) RemoveNode(id substate.NodeID) (substate.NodeSubstates, error) {
	subs, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(h.nodes, id)
	return subs, nil
}

// MoveNodeToStore moves [id] and every node it transitively owns into
// [tr]. Children are moved before their parent so the store never sees a
// parent whose child is missing. [check] is called for every node before
// anything is moved; [onMoved] after each node lands in the track.
func (h *Heap) MoveNodeToStore(
	tr *track.Track,
	id substate.NodeID,
	check func(substate.NodeID) error,
	onMoved func(substate.NodeID) error,
	onAccess track.AccessHandler,
) error {
	order, err := h.storeOrder(id, check)
	if err != nil {
		return err
	}
	for _, node := range order {
		subs, err := h.RemoveNode(node)
		if err != nil {
			return err
		}
		if err := tr.CreateNode(node, subs, onAccess); err != nil {
			return err
		}
		if onMoved != nil {
			if err := onMoved(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeOrder validates the subtree rooted at [id] and returns it in
// post-order.
func (h *Heap) storeOrder(id substate.NodeID, check func(substate.NodeID) error) ([]substate.NodeID, error) {
	subs, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if id.IsTransient() {
		return nil, fmt.Errorf("%w: %s", ErrTransientNodeInStore, id)
	}
	for _, ref := range subs.Refs() {
		if !ref.IsGlobal() {
			return nil, fmt.Errorf("%w: %s references %s", ErrNonGlobalRefNotAllowed, id, ref)
		}
	}
	if check != nil {
		if err := check(id); err != nil {
			return nil, err
		}
	}
	var order []substate.NodeID
	for _, child := range subs.Owned() {
		childOrder, err := h.storeOrder(child, check)
		if err != nil {
			return nil, err
		}
		order = append(order, childOrder...)
	}
	return append(order, id), nil
}

// Nodes returns the ids on the heap in ascending byte order.
func (h *Heap) Nodes() []substate.NodeID {
	out := make([]substate.NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
