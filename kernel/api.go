// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/kernelvm/substate"
)

// API is the host surface blueprint code runs against. Every call acts on
// behalf of the current frame. An error returned by any call is fatal to
// the transaction: later calls keep returning it.
type API interface {
	Context() context.Context
	TxID() ids.ID
	Actor() Actor
	Depth() int

	// AllocateNodeID reserves a fresh id for a node the current actor will
	// create.
	AllocateNodeID(entity substate.EntityType) (substate.NodeID, error)
	// CreateNode creates an allocated node owned by the current frame. The
	// substates must carry a TypeInfo of the actor's package; every node they
	// own moves from the frame into the new node. Global nodes go straight
	// to the store.
	CreateNode(id substate.NodeID, substates substate.NodeSubstates) error
	// DropNode destroys a heap node owned by the current frame and returns
	// its substates. Its children become owned by the frame.
	DropNode(id substate.NodeID) (substate.NodeSubstates, error)

	OpenSubstate(
		node substate.NodeID,
		partition substate.PartitionNumber,
		key substate.SubstateKey,
		flags LockFlags,
		def *substate.Value,
	) (LockHandle, *substate.Value, error)
	ReadSubstate(h LockHandle) (*substate.Value, error)
	WriteSubstate(h LockHandle, v *substate.Value) error
	CloseSubstate(h LockHandle) error
	LockInfo(h LockHandle) (LockInfo, error)

	SetSubstate(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey, v *substate.Value) error
	RemoveSubstate(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey) (*substate.Value, bool, error)
	ScanKeys(node substate.NodeID, partition substate.PartitionNumber, limit int) ([]substate.SubstateKey, error)

	// CallMethod invokes [ident] on [receiver]. Nodes in args.Owned move to
	// the callee; nodes in the output's Owned move back.
	CallMethod(receiver substate.NodeID, ident string, args *substate.Value) (*substate.Value, error)
	CallFunction(bp substate.BlueprintID, ident string, args *substate.Value) (*substate.Value, error)

	EmitEvent(name string, payload []byte) error
}
