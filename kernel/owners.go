// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"
	"sort"

	"github.com/ava-labs/kernelvm/substate"
)

// OwnerKind says what currently owns a node.
type OwnerKind uint8

const (
	OwnerNone OwnerKind = iota
	OwnerFrame
	OwnerNode
	OwnerStore
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerFrame:
		return "frame"
	case OwnerNode:
		return "node"
	case OwnerStore:
		return "store"
	default:
		return "none"
	}
}

// Owner is the single owner of a node.
type Owner struct {
	Kind   OwnerKind
	Frame  uint32
	Parent substate.NodeID
}

func FrameOwner(frame uint32) Owner                { return Owner{Kind: OwnerFrame, Frame: frame} }
func NodeOwner(parent substate.NodeID) Owner       { return Owner{Kind: OwnerNode, Parent: parent} }
func StoreOwner() Owner                            { return Owner{Kind: OwnerStore} }
func (o Owner) IsFrame(frame uint32) bool          { return o.Kind == OwnerFrame && o.Frame == frame }
func (o Owner) IsNode(parent substate.NodeID) bool { return o.Kind == OwnerNode && o.Parent == parent }

func (o Owner) String() string {
	switch o.Kind {
	case OwnerFrame:
		return fmt.Sprintf("frame(%d)", o.Frame)
	case OwnerNode:
		return fmt.Sprintf("node(%s)", o.Parent)
	default:
		return o.Kind.String()
	}
}

// ownership is the arena recording the owner of every node allocated or
// moved during one transaction. Nodes it has never seen are owned by the
// store. Each node has exactly one entry, and every move checks the current
// owner before writing the new one.
type ownership struct {
	owners map[substate.NodeID]Owner
	// per frame index of owned nodes with their acquisition sequence
	frames map[uint32]map[substate.NodeID]uint64
	seq    uint64
}

func newOwnership() *ownership {
	return &ownership{
		owners: make(map[substate.NodeID]Owner),
		frames: make(map[uint32]map[substate.NodeID]uint64),
	}
}

// owner returns the owner of [id]. Unknown nodes report OwnerNone.
func (o *ownership) owner(id substate.NodeID) Owner { return o.owners[id] }

func (o *ownership) set(id substate.NodeID, owner Owner) {
	if prev, ok := o.owners[id]; ok && prev.Kind == OwnerFrame {
		delete(o.frames[prev.Frame], id)
	}
	o.owners[id] = owner
	if owner.Kind == OwnerFrame {
		nodes, ok := o.frames[owner.Frame]
		if !ok {
			nodes = make(map[substate.NodeID]uint64)
			o.frames[owner.Frame] = nodes
		}
		o.seq++
		nodes[id] = o.seq
	}
}

// allocate records a brand new node.
func (o *ownership) allocate(id substate.NodeID, owner Owner) error {
	if _, ok := o.owners[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	o.set(id, owner)
	return nil
}

// transfer moves [id] from [from] to [to]. It fails without any effect if
// [from] is not the current owner.
func (o *ownership) transfer(id substate.NodeID, from, to Owner) error {
	current, ok := o.owners[id]
	if !ok || current != from {
		return fmt.Errorf("%w: %s is owned by %s, not %s", ErrInvalidMove, id, current, from)
	}
	o.set(id, to)
	return nil
}

// release forgets a dropped node. [from] must be its current owner.
func (o *ownership) release(id substate.NodeID, from Owner) error {
	current, ok := o.owners[id]
	if !ok || current != from {
		return fmt.Errorf("%w: %s is owned by %s, not %s", ErrInvalidMove, id, current, from)
	}
	if current.Kind == OwnerFrame {
		delete(o.frames[current.Frame], id)
	}
	delete(o.owners, id)
	return nil
}

// owned returns the nodes owned by [frame] in acquisition order.
func (o *ownership) owned(frame uint32) []substate.NodeID {
	nodes := o.frames[frame]
	out := make([]substate.NodeID, 0, len(nodes))
	for id := range nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return nodes[out[i]] < nodes[out[j]] })
	return out
}

// promote records that [id] now lives in the store.
func (o *ownership) promote(id substate.NodeID) { o.set(id, StoreOwner()) }

// isAncestor reports whether [candidate] is [node] or owns it through a chain
// of heap nodes.
func (o *ownership) isAncestor(candidate, node substate.NodeID) bool {
	for {
		if candidate == node {
			return true
		}
		owner, ok := o.owners[node]
		if !ok || owner.Kind != OwnerNode {
			return false
		}
		node = owner.Parent
	}
}

// parent returns the node owning [id], if [id] is nested in a heap node.
func (o *ownership) parent(id substate.NodeID) (substate.NodeID, bool) {
	owner, ok := o.owners[id]
	if !ok || owner.Kind != OwnerNode {
		return substate.EmptyNodeID, false
	}
	return owner.Parent, true
}

func (o *ownership) forgetFrame(frame uint32) { delete(o.frames, frame) }
