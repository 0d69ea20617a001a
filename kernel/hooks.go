// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

// Event is emitted by blueprint code and ends up in the receipt.
type Event struct {
	Emitter substate.NodeID      `serialize:"true" json:"emitter"`
	Source  substate.BlueprintID `serialize:"true" json:"source"`
	Name    string               `serialize:"true" json:"name"`
	Payload []byte               `serialize:"true" json:"payload"`
}

// View is the read-only window hooks get on the kernel.
type View interface {
	TxID() ids.ID
	Depth() int
	CurrentActor() Actor
	// AuthZone returns every badge the current frame holds: the actor's
	// badges, signer badges at the root and the resources of proofs it owns.
	AuthZone() ([]substate.NodeID, error)
	// OwnerBadge returns the owner role of [node], if it has one.
	OwnerBadge(node substate.NodeID) (substate.NodeID, bool, error)
}

// Module is a cross-cutting observer. It implements any subset of the hook
// interfaces below; the kernel calls them in module order.
type Module interface {
	Name() string
}

type InvokeHook interface {
	BeforeInvoke(v View, callee Actor, args *substate.Value) error
}

type FrameHook interface {
	BeforePushFrame(v View, callee Actor, args *substate.Value) error
	OnExecutionStart(v View) error
	OnExecutionFinish(v View, output *substate.Value) error
	AfterPopFrame(v View, callee Actor) error
}

type SubstateHook interface {
	BeforeLockSubstate(v View, loc substate.Location, flags LockFlags) error
	AfterLockSubstate(v View, h LockHandle, loc substate.Location, size int) error
	OnReadSubstate(v View, h LockHandle, size int) error
	OnWriteSubstate(v View, h LockHandle, size int) error
	OnCloseSubstate(v View, h LockHandle) error
}

type NodeHook interface {
	OnCreateNode(v View, id substate.NodeID, size int) error
	OnDropNode(v View, id substate.NodeID) error
}

type StoreHook interface {
	OnStoreAccess(v View, access track.StoreAccess) error
}

type EventHook interface {
	OnEmitEvent(v View, event Event) error
}

// hooks sorts modules by the interfaces they implement, keeping module
// order within each list.
type hooks struct {
	invoke   []InvokeHook
	frame    []FrameHook
	substate []SubstateHook
	node     []NodeHook
	store    []StoreHook
	event    []EventHook
}

func newHooks(modules []Module) *hooks {
	h := &hooks{}
	for _, m := range modules {
		if hook, ok := m.(InvokeHook); ok {
			h.invoke = append(h.invoke, hook)
		}
		if hook, ok := m.(FrameHook); ok {
			h.frame = append(h.frame, hook)
		}
		if hook, ok := m.(SubstateHook); ok {
			h.substate = append(h.substate, hook)
		}
		if hook, ok := m.(NodeHook); ok {
			h.node = append(h.node, hook)
		}
		if hook, ok := m.(StoreHook); ok {
			h.store = append(h.store, hook)
		}
		if hook, ok := m.(EventHook); ok {
			h.event = append(h.event, hook)
		}
	}
	return h
}

func (h *hooks) beforeInvoke(v View, callee Actor, args *substate.Value) error {
	for _, hook := range h.invoke {
		if err := hook.BeforeInvoke(v, callee, args); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) beforePushFrame(v View, callee Actor, args *substate.Value) error {
	for _, hook := range h.frame {
		if err := hook.BeforePushFrame(v, callee, args); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onExecutionStart(v View) error {
	for _, hook := range h.frame {
		if err := hook.OnExecutionStart(v); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onExecutionFinish(v View, output *substate.Value) error {
	for _, hook := range h.frame {
		if err := hook.OnExecutionFinish(v, output); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) afterPopFrame(v View, callee Actor) error {
	for _, hook := range h.frame {
		if err := hook.AfterPopFrame(v, callee); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) beforeLockSubstate(v View, loc substate.Location, flags LockFlags) error {
	for _, hook := range h.substate {
		if err := hook.BeforeLockSubstate(v, loc, flags); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) afterLockSubstate(v View, handle LockHandle, loc substate.Location, size int) error {
	for _, hook := range h.substate {
		if err := hook.AfterLockSubstate(v, handle, loc, size); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onReadSubstate(v View, handle LockHandle, size int) error {
	for _, hook := range h.substate {
		if err := hook.OnReadSubstate(v, handle, size); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onWriteSubstate(v View, handle LockHandle, size int) error {
	for _, hook := range h.substate {
		if err := hook.OnWriteSubstate(v, handle, size); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onCloseSubstate(v View, handle LockHandle) error {
	for _, hook := range h.substate {
		if err := hook.OnCloseSubstate(v, handle); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onCreateNode(v View, id substate.NodeID, size int) error {
	for _, hook := range h.node {
		if err := hook.OnCreateNode(v, id, size); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onDropNode(v View, id substate.NodeID) error {
	for _, hook := range h.node {
		if err := hook.OnDropNode(v, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onStoreAccess(v View, access track.StoreAccess) error {
	for _, hook := range h.store {
		if err := hook.OnStoreAccess(v, access); err != nil {
			return err
		}
	}
	return nil
}

func (h *hooks) onEmitEvent(v View, event Event) error {
	for _, hook := range h.event {
		if err := hook.OnEmitEvent(v, event); err != nil {
			return err
		}
	}
	return nil
}

// valueSize is the metered size of a value.
func valueSize(v *substate.Value) int {
	if v == nil {
		return 0
	}
	return len(v.Payload) + substate.NodeIDLen*(len(v.Owned)+len(v.Refs))
}
