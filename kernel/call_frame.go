// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"

	"github.com/ava-labs/kernelvm/substate"
)

// FrameState is the lifecycle position of a call frame.
type FrameState uint8

const (
	FrameEntering FrameState = iota
	FrameExecuting
	FrameExiting
	FrameClosed
)

func (s FrameState) String() string {
	switch s {
	case FrameEntering:
		return "entering"
	case FrameExecuting:
		return "executing"
	case FrameExiting:
		return "exiting"
	default:
		return "closed"
	}
}

// CallFrame is the execution context of one invocation. Owned nodes live in
// the ownership arena keyed by the frame id; the frame itself keeps what it
// can see by reference.
type CallFrame struct {
	id    uint32
	depth int
	actor Actor
	state FrameState

	// stable references passed in or created by this frame
	refs map[substate.NodeID]struct{}
	// non-global refs this frame borrowed from its caller
	borrowed []substate.NodeID
	// badges proven at this frame, signers at the root
	authZone []substate.NodeID
}

func newCallFrame(id uint32, depth int, actor Actor) *CallFrame {
	return &CallFrame{
		id:    id,
		depth: depth,
		actor: actor,
		state: FrameEntering,
		refs:  make(map[substate.NodeID]struct{}),
	}
}

func (f *CallFrame) ID() uint32        { return f.id }
func (f *CallFrame) Depth() int        { return f.depth }
func (f *CallFrame) Actor() Actor      { return f.actor }
func (f *CallFrame) State() FrameState { return f.state }

func (f *CallFrame) addRef(id substate.NodeID) { f.refs[id] = struct{}{} }

func (f *CallFrame) hasRef(id substate.NodeID) bool {
	_, ok := f.refs[id]
	return ok
}

// transition advances the frame state. States only move forward one step.
func (f *CallFrame) transition(to FrameState) error {
	if to != f.state+1 {
		return fmt.Errorf("%w: frame %d cannot go from %s to %s", ErrFrameState, f.id, f.state, to)
	}
	f.state = to
	return nil
}
