// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"fmt"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	errInvalidSlot = kernel.NewError(kernel.CategoryStructural, "invalid worktop slot")
	errSlotTaken   = kernel.NewError(kernel.CategoryStructural, "worktop slot already taken")
)

// depositMethod is the method OpDepositAll calls on its receiver.
const depositMethod = "deposit"

// worktop holds the nodes returned to the root frame, by slot, until a later
// instruction takes them.
type worktop struct {
	slots []substate.NodeID
	taken []bool
}

func (w *worktop) put(nodes []substate.NodeID) {
	for _, id := range nodes {
		w.slots = append(w.slots, id)
		w.taken = append(w.taken, false)
	}
}

func (w *worktop) peek(slot uint32) (substate.NodeID, error) {
	if int(slot) >= len(w.slots) {
		return substate.EmptyNodeID, fmt.Errorf("%w: %d of %d", errInvalidSlot, slot, len(w.slots))
	}
	if w.taken[slot] {
		return substate.EmptyNodeID, fmt.Errorf("%w: %d", errSlotTaken, slot)
	}
	return w.slots[slot], nil
}

func (w *worktop) take(slots []uint32) ([]substate.NodeID, error) {
	var out []substate.NodeID
	for _, slot := range slots {
		id, err := w.peek(slot)
		if err != nil {
			return nil, err
		}
		w.taken[slot] = true
		out = append(out, id)
	}
	return out, nil
}

// drain takes every node still on the worktop except auto-dropped ones.
func (w *worktop) drain() []substate.NodeID {
	var out []substate.NodeID
	for slot, id := range w.slots {
		if w.taken[slot] || id.EntityType().IsAutoDrop() {
			continue
		}
		w.taken[slot] = true
		out = append(out, id)
	}
	return out
}

// runInstructions executes [tx] against [k], instruction by instruction, in
// the root frame.
func runInstructions(k *kernel.Kernel, tx *Transaction) error {
	w := &worktop{}
	for n := range tx.Instructions {
		ins := &tx.Instructions[n]
		out, err := runInstruction(k, w, ins)
		if err != nil {
			return fmt.Errorf("instruction %d (%s %s): %w", n, ins.Op, ins.Ident, err)
		}
		if out != nil {
			w.put(out.Owned)
		}
	}
	return nil
}

func runInstruction(k *kernel.Kernel, w *worktop, ins *Instruction) (*substate.Value, error) {
	owned, err := w.take(ins.Buckets)
	if err != nil {
		return nil, err
	}
	args := &substate.Value{
		Payload: ins.Payload,
		Owned:   owned,
		Refs:    ins.Refs,
	}
	switch ins.Op {
	case OpCallFunction:
		return k.CallFunction(ins.Blueprint, ins.Ident, args)
	case OpCallMethod:
		return k.CallMethod(ins.Receiver, ins.Ident, args)
	case OpCallSlotMethod:
		recv, err := w.peek(ins.Slot)
		if err != nil {
			return nil, err
		}
		return k.CallMethod(recv, ins.Ident, args)
	case OpDepositAll:
		args.Owned = append(args.Owned, w.drain()...)
		ident := ins.Ident
		if ident == "" {
			ident = depositMethod
		}
		return k.CallMethod(ins.Receiver, ident, args)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownOp, ins.Op)
	}
}
