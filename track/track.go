// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package track

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ava-labs/kernelvm/substate"
)

var (
	ErrNodeExists    = errors.New("node already exists in track")
	ErrFinalized     = errors.New("track already finalized")
	errUnknownStatus = errors.New("tracked substate has an unknown status")
)

// TrackedSubstateInfo describes how a substate differs from its stored base.
type TrackedSubstateInfo uint8

const (
	Unmodified TrackedSubstateInfo = iota
	Updated
	Created
)

func (i TrackedSubstateInfo) String() string {
	switch i {
	case Updated:
		return "updated"
	case Created:
		return "new"
	default:
		return "unmodified"
	}
}

type entryStatus uint8

const (
	// read from the store and not written since
	statusReadOnly entryStatus = iota
	// written with no store base
	statusNew
	// written over a stored or unknown base
	statusUpdated
)

type trackedEntry struct {
	key    substate.SubstateKey
	value  *substate.Value
	status entryStatus
	// inStore is whether the base value exists in the store.
	inStore bool
}

type trackedNode struct {
	isNew      bool
	partitions map[substate.PartitionNumber]map[string]*trackedEntry
}

func (n *trackedNode) entry(partition substate.PartitionNumber, key substate.SubstateKey) (*trackedEntry, bool) {
	p, ok := n.partitions[partition]
	if !ok {
		return nil, false
	}
	e, ok := p[key.Canonical()]
	return e, ok
}

// exists reports whether the node was created or any of its substates was
// found. Nodes only checked for existence do not count.
func (n *trackedNode) exists() bool {
	if n.isNew {
		return true
	}
	for _, p := range n.partitions {
		for _, e := range p {
			if e.inStore || e.value != nil {
				return true
			}
		}
	}
	return false
}

func (n *trackedNode) put(partition substate.PartitionNumber, e *trackedEntry) {
	p, ok := n.partitions[partition]
	if !ok {
		p = make(map[string]*trackedEntry)
		n.partitions[partition] = p
	}
	p[e.key.Canonical()] = e
}

// Track buffers the reads and writes of one transaction over a Store. Nothing
// reaches the store until the diff returned by Finalize is committed; a failed
// transaction simply discards its Track.
type Track struct {
	store      Store
	serializer substate.Serializer

	nodes map[substate.NodeID]*trackedNode
	// insertion order of nodes, for a deterministic diff
	order []substate.NodeID

	stale     []StaleEntry
	staleSeen map[string]struct{}

	finalized bool
}

// New returns an empty Track reading through [store].
func New(store Store, serializer substate.Serializer) *Track {
	if serializer == nil {
		serializer = substate.CodecSerializer{}
	}
	return &Track{
		store:      store,
		serializer: serializer,
		nodes:      make(map[substate.NodeID]*trackedNode),
		staleSeen:  make(map[string]struct{}),
	}
}

func (t *Track) node(id substate.NodeID) *trackedNode {
	n, ok := t.nodes[id]
	if !ok {
		n = &trackedNode{partitions: make(map[substate.PartitionNumber]map[string]*trackedEntry)}
		t.nodes[id] = n
		t.order = append(t.order, id)
	}
	return n
}

// load returns the tracked entry for the substate, reading it from the store
// on first access.
func (t *Track) load(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	onAccess AccessHandler,
) (*trackedEntry, error) {
	if t.finalized {
		return nil, ErrFinalized
	}
	n := t.node(node)
	if e, ok := n.entry(partition, key); ok {
		return e, nil
	}
	e := &trackedEntry{key: key, status: statusReadOnly}
	if !n.isNew {
		raw, found, err := t.store.Read(node, partition, key)
		if err != nil {
			return nil, storeErr("read", err)
		}
		if found {
			v, err := t.serializer.Decode(raw)
			if err != nil {
				return nil, storeErr("decode", err)
			}
			e.value = v
			e.inStore = true
			if err := onAccess.report(StoreAccess{Kind: ReadFromDB, Node: node, Partition: partition, Size: len(raw)}); err != nil {
				return nil, err
			}
		} else if err := onAccess.report(StoreAccess{Kind: ReadFromDBNotFound, Node: node, Partition: partition}); err != nil {
			return nil, err
		}
	}
	n.put(partition, e)
	if err := onAccess.report(StoreAccess{Kind: NewEntryInTrack, Node: node, Partition: partition}); err != nil {
		return nil, err
	}
	return e, nil
}

// GetSubstate returns a copy of the current value of the substate.
func (t *Track) GetSubstate(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	onAccess AccessHandler,
) (*substate.Value, bool, error) {
	e, err := t.load(node, partition, key, onAccess)
	if err != nil {
		return nil, false, err
	}
	if e.value == nil {
		return nil, false, nil
	}
	return e.value.Clone(), true, nil
}

// SetSubstate writes [value]. The write stays in the Track until Finalize.
func (t *Track) SetSubstate(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	value *substate.Value,
	onAccess AccessHandler,
) error {
	if t.finalized {
		return ErrFinalized
	}
	n := t.node(node)
	e, ok := n.entry(partition, key)
	if !ok {
		// Blind write: the base is never read, so it counts as an update.
		e = &trackedEntry{key: key, status: statusUpdated}
		if n.isNew {
			e.status = statusNew
		}
		n.put(partition, e)
		if err := onAccess.report(StoreAccess{Kind: NewEntryInTrack, Node: node, Partition: partition}); err != nil {
			return err
		}
	} else if e.status == statusReadOnly {
		if e.inStore {
			e.status = statusUpdated
		} else {
			e.status = statusNew
		}
	}
	e.value = value.Clone()
	return nil
}

// RemoveSubstate deletes the substate and returns its previous value.
func (t *Track) RemoveSubstate(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	onAccess AccessHandler,
) (*substate.Value, bool, error) {
	e, err := t.load(node, partition, key, onAccess)
	if err != nil {
		return nil, false, err
	}
	prev := e.value
	if prev == nil {
		return nil, false, nil
	}
	e.value = nil
	if e.status == statusReadOnly {
		e.status = statusUpdated
	}
	return prev, true, nil
}

// CreateNode tracks a brand new node with [substates]. A new node has no
// store base, so its reads never reach the store.
func (t *Track) CreateNode(node substate.NodeID, substates substate.NodeSubstates, onAccess AccessHandler) error {
	if t.finalized {
		return ErrFinalized
	}
	if n, ok := t.nodes[node]; ok && n.exists() {
		return fmt.Errorf("%w: %s", ErrNodeExists, node)
	}
	n := t.node(node)
	n.isNew = true
	for _, p := range substates.Partitions() {
		for _, entry := range substates.Entries(p) {
			n.put(p, &trackedEntry{key: entry.Key, value: entry.Value.Clone(), status: statusNew})
			if err := onAccess.report(StoreAccess{Kind: NewEntryInTrack, Node: node, Partition: p}); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsNewNode reports whether [node] was created by this Track.
func (t *Track) IsNewNode(node substate.NodeID) bool {
	n, ok := t.nodes[node]
	return ok && n.isNew
}

// NodeExists reports whether [node] has a TypeInfo substate in the Track or
// the store.
func (t *Track) NodeExists(node substate.NodeID, onAccess AccessHandler) (bool, error) {
	_, found, err := t.GetSubstate(node, substate.TypeInfoPartition, substate.TypeInfoKey, onAccess)
	return found, err
}

// ScanKeys returns up to [limit] keys of the partition in canonical order,
// merging stored keys with tracked writes. A zero limit returns all keys.
func (t *Track) ScanKeys(
	node substate.NodeID,
	partition substate.PartitionNumber,
	limit int,
	onAccess AccessHandler,
) ([]substate.SubstateKey, error) {
	if t.finalized {
		return nil, ErrFinalized
	}
	n := t.node(node)
	keys := make(map[string]substate.SubstateKey)
	if !n.isNew {
		stored, err := t.store.ListPartitionKeys(node, partition)
		if err != nil {
			return nil, storeErr("scan", err)
		}
		if err := onAccess.report(StoreAccess{Kind: ReadFromDB, Node: node, Partition: partition, Size: len(stored)}); err != nil {
			return nil, err
		}
		for _, k := range stored {
			keys[k.Canonical()] = k
		}
	}
	for c, e := range n.partitions[partition] {
		if e.value == nil {
			delete(keys, c)
		} else {
			keys[c] = e.key
		}
	}
	sorted := make([]string, 0, len(keys))
	for c := range keys {
		sorted = append(sorted, c)
	}
	sort.Strings(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]substate.SubstateKey, len(sorted))
	for i, c := range sorted {
		out[i] = keys[c]
	}
	return out, nil
}

// MarkStale records that the stored version of a substate may be pruned
// once the diff is applied.
func (t *Track) MarkStale(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey) {
	id := string(substate.DBKey(node, partition, key))
	if _, ok := t.staleSeen[id]; ok {
		return
	}
	t.staleSeen[id] = struct{}{}
	t.stale = append(t.stale, StaleEntry{Node: node, Partition: uint8(partition), Key: key})
}

// GetTrackedSubstateInfo reports whether a substate is new, updated, or
// unmodified relative to the store.
func (t *Track) GetTrackedSubstateInfo(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) TrackedSubstateInfo {
	n, ok := t.nodes[node]
	if !ok {
		return Unmodified
	}
	if n.isNew {
		return Created
	}
	e, ok := n.entry(partition, key)
	if !ok {
		return Unmodified
	}
	switch e.status {
	case statusNew:
		return Created
	case statusUpdated:
		return Updated
	default:
		return Unmodified
	}
}

// Finalize produces the StateDiff of every tracked write. Nodes appear in
// the order they were first touched, partitions and keys in ascending order.
// The Track cannot be used afterwards.
func (t *Track) Finalize() (*StateDiff, error) {
	if t.finalized {
		return nil, ErrFinalized
	}
	t.finalized = true

	diff := &StateDiff{Stale: t.stale}
	for _, id := range t.order {
		n := t.nodes[id]
		partitions := make([]substate.PartitionNumber, 0, len(n.partitions))
		for p := range n.partitions {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, p := range partitions {
			keys := make([]string, 0, len(n.partitions[p]))
			for c := range n.partitions[p] {
				keys = append(keys, c)
			}
			sort.Strings(keys)
			for _, c := range keys {
				e := n.partitions[p][c]
				update, ok, err := t.update(id, p, e)
				if err != nil {
					return nil, err
				}
				if ok {
					diff.Updates = append(diff.Updates, update)
				}
			}
		}
	}
	return diff, nil
}

func (t *Track) update(node substate.NodeID, partition substate.PartitionNumber, e *trackedEntry) (Update, bool, error) {
	u := Update{Node: node, Partition: uint8(partition), Key: e.key}
	switch e.status {
	case statusReadOnly:
		return u, false, nil
	case statusNew:
		// created then removed inside the transaction
		if e.value == nil {
			return u, false, nil
		}
	case statusUpdated:
		if e.value == nil {
			u.Delete = true
			return u, true, nil
		}
	default:
		return u, false, errUnknownStatus
	}
	b, err := t.serializer.Encode(e.value)
	if err != nil {
		return u, false, err
	}
	u.Value = b
	return u, true, nil
}
