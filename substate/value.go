// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateOwned = errors.New("value owns the same node twice")
	ErrOwnsGlobal     = errors.New("value owns a global node")
	ErrOwnsBadge      = errors.New("value owns a badge")
	ErrEmptyNodeRef   = errors.New("value references the empty node id")
)

// Value is the stored form of a substate. The payload is opaque to the
// kernel; ownership of child nodes and references to other nodes are kept
// alongside it so the kernel can enforce the ownership graph.
type Value struct {
	Payload []byte   `serialize:"true" json:"payload"`
	Owned   []NodeID `serialize:"true" json:"owned"`
	Refs    []NodeID `serialize:"true" json:"refs"`
}

// NewValue returns a value holding only [payload].
func NewValue(payload []byte) *Value { return &Value{Payload: payload} }

// Validate checks the ownership shape of the value.
func (v *Value) Validate() error {
	seen := make(map[NodeID]struct{}, len(v.Owned))
	for _, id := range v.Owned {
		switch {
		case id.IsEmpty():
			return ErrEmptyNodeRef
		case id.IsGlobal():
			return fmt.Errorf("%w: %s", ErrOwnsGlobal, id)
		case id.IsBadge():
			return fmt.Errorf("%w: %s", ErrOwnsBadge, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateOwned, id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range v.Refs {
		if id.IsEmpty() {
			return ErrEmptyNodeRef
		}
	}
	return nil
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{}
	if v.Payload != nil {
		c.Payload = append([]byte(nil), v.Payload...)
	}
	if v.Owned != nil {
		c.Owned = append([]NodeID(nil), v.Owned...)
	}
	if v.Refs != nil {
		c.Refs = append([]NodeID(nil), v.Refs...)
	}
	return c
}

// OwnedSet returns the owned ids as a set.
func (v *Value) OwnedSet() map[NodeID]struct{} {
	set := make(map[NodeID]struct{}, len(v.Owned))
	for _, id := range v.Owned {
		set[id] = struct{}{}
	}
	return set
}

// Entry pairs a value with the key it is stored under.
type Entry struct {
	Key   SubstateKey
	Value *Value
}

// NodeSubstates is the full set of substates of one node.
type NodeSubstates map[PartitionNumber]map[string]*Entry

// Set stores [v] under [partition]/[key].
func (n NodeSubstates) Set(partition PartitionNumber, key SubstateKey, v *Value) {
	p, ok := n[partition]
	if !ok {
		p = make(map[string]*Entry)
		n[partition] = p
	}
	p[key.Canonical()] = &Entry{Key: key, Value: v}
}

// Get returns the value under [partition]/[key].
func (n NodeSubstates) Get(partition PartitionNumber, key SubstateKey) (*Value, bool) {
	p, ok := n[partition]
	if !ok {
		return nil, false
	}
	e, ok := p[key.Canonical()]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Remove deletes and returns the value under [partition]/[key].
func (n NodeSubstates) Remove(partition PartitionNumber, key SubstateKey) (*Value, bool) {
	p, ok := n[partition]
	if !ok {
		return nil, false
	}
	k := key.Canonical()
	e, ok := p[k]
	if !ok {
		return nil, false
	}
	delete(p, k)
	if len(p) == 0 {
		delete(n, partition)
	}
	return e.Value, true
}

// Partitions returns the partition numbers in ascending order.
func (n NodeSubstates) Partitions() []PartitionNumber {
	out := make([]PartitionNumber, 0, len(n))
	for p := range n {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries returns the entries of [partition] ordered by key.
func (n NodeSubstates) Entries(partition PartitionNumber) []*Entry {
	p := n[partition]
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, p[k])
	}
	return out
}

// Keys returns the keys of [partition] in canonical order.
func (n NodeSubstates) Keys(partition PartitionNumber) []SubstateKey {
	entries := n.Entries(partition)
	out := make([]SubstateKey, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// Owned returns every node owned by any substate, in deterministic order.
func (n NodeSubstates) Owned() []NodeID {
	var out []NodeID
	for _, p := range n.Partitions() {
		for _, e := range n.Entries(p) {
			out = append(out, e.Value.Owned...)
		}
	}
	return out
}

// Refs returns every node referenced by any substate, in deterministic order.
func (n NodeSubstates) Refs() []NodeID {
	var out []NodeID
	for _, p := range n.Partitions() {
		for _, e := range n.Entries(p) {
			out = append(out, e.Value.Refs...)
		}
	}
	return out
}

// Validate validates every value and checks no node is owned twice across
// substates.
func (n NodeSubstates) Validate() error {
	seen := make(map[NodeID]struct{})
	for _, p := range n.Partitions() {
		for _, e := range n.Entries(p) {
			if e.Value == nil {
				return fmt.Errorf("nil value at %d/%s", p, e.Key)
			}
			if err := e.Value.Validate(); err != nil {
				return err
			}
			for _, id := range e.Value.Owned {
				if _, ok := seen[id]; ok {
					return fmt.Errorf("%w: %s", ErrDuplicateOwned, id)
				}
				seen[id] = struct{}{}
			}
		}
	}
	return nil
}
