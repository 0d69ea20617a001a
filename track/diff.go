// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package track

import (
	"github.com/ava-labs/kernelvm/substate"
)

// Update is one write of a StateDiff. Delete updates carry no value.
type Update struct {
	Node      substate.NodeID      `serialize:"true" json:"node"`
	Partition uint8                `serialize:"true" json:"partition"`
	Key       substate.SubstateKey `serialize:"true" json:"key"`
	Value     []byte               `serialize:"true" json:"value,omitempty"`
	Delete    bool                 `serialize:"true" json:"delete,omitempty"`
}

// StaleEntry is a pruning hint: the previous version of the substate is no
// longer needed once the diff is applied.
type StaleEntry struct {
	Node      substate.NodeID      `serialize:"true" json:"node"`
	Partition uint8                `serialize:"true" json:"partition"`
	Key       substate.SubstateKey `serialize:"true" json:"key"`
}

// StateDiff is the ordered set of writes produced by one transaction.
type StateDiff struct {
	Updates []Update     `serialize:"true" json:"updates"`
	Stale   []StaleEntry `serialize:"true" json:"stale"`
}

// Empty reports whether the diff writes nothing.
func (d *StateDiff) Empty() bool { return d == nil || (len(d.Updates) == 0 && len(d.Stale) == 0) }

// Touched returns the nodes written by the diff, in diff order.
func (d *StateDiff) Touched() []substate.NodeID {
	var out []substate.NodeID
	seen := make(map[substate.NodeID]struct{})
	for _, u := range d.Updates {
		if _, ok := seen[u.Node]; ok {
			continue
		}
		seen[u.Node] = struct{}{}
		out = append(out, u.Node)
	}
	return out
}
