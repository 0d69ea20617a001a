// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resource

import (
	"fmt"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

// newContainer creates a vault, bucket or proof holding [b].
func newContainer(api kernel.API, entity substate.EntityType, bp substate.BlueprintID, b Balance) (substate.NodeID, error) {
	id, err := api.AllocateNodeID(entity)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs, err := substate.NewObject(substate.TypeInfo{Blueprint: bp}, substate.EmptyNodeID)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs.Set(substate.MainPartition, MainKey, b.Value())
	return id, api.CreateNode(id, subs)
}

func readBalance(api kernel.API, node substate.NodeID) (Balance, error) {
	h, v, err := api.OpenSubstate(node, substate.MainPartition, MainKey, kernel.LockReadOnly, nil)
	if err != nil {
		return Balance{}, err
	}
	b, err := ParseBalance(v)
	if err != nil {
		return Balance{}, err
	}
	return b, api.CloseSubstate(h)
}

func writeBalance(api kernel.API, node substate.NodeID, b Balance) error {
	h, _, err := api.OpenSubstate(node, substate.MainPartition, MainKey, kernel.LockMutable, nil)
	if err != nil {
		return err
	}
	if err := api.WriteSubstate(h, b.Value()); err != nil {
		return err
	}
	return api.CloseSubstate(h)
}

func vaultBlueprint() *kernel.Blueprint {
	return &kernel.Blueprint{Methods: map[string]kernel.Export{
		"put":          {Native: put},
		"take":         {Native: take},
		"amount":       {Native: amount},
		"resource":     {Native: resourceOf},
		"create_proof": {Native: createProof},
	}}
}

func bucketBlueprint() *kernel.Blueprint {
	return &kernel.Blueprint{Methods: map[string]kernel.Export{
		"put":          {Native: put},
		"take":         {Native: take},
		"amount":       {Native: amount},
		"resource":     {Native: resourceOf},
		"create_proof": {Native: createProof},
	}}
}

func proofBlueprint() *kernel.Blueprint {
	return &kernel.Blueprint{Methods: map[string]kernel.Export{
		"amount":   {Native: amount},
		"resource": {Native: resourceOf},
	}}
}

// put merges the buckets in [in] into the receiver and drops them.
func put(api kernel.API, in *substate.Value) (*substate.Value, error) {
	recv := api.Actor().Receiver
	total, err := readBalance(api, recv)
	if err != nil {
		return nil, err
	}
	for _, bucket := range in.Owned {
		if bucket.EntityType() != substate.EntityTypeTransientBucket {
			return nil, fmt.Errorf("%w: %s", ErrNotABucket, bucket)
		}
		b, err := readBalance(api, bucket)
		if err != nil {
			return nil, err
		}
		if b.Resource != total.Resource {
			return nil, fmt.Errorf("%w: %s into %s", ErrResourceMismatch, b.Resource, total.Resource)
		}
		if _, err := api.DropNode(bucket); err != nil {
			return nil, err
		}
		total.Amount += b.Amount
	}
	return nil, writeBalance(api, recv, total)
}

// take splits [amount] off the receiver into a new bucket.
func take(api kernel.API, in *substate.Value) (*substate.Value, error) {
	n, err := ParseAmount(in)
	if err != nil {
		return nil, err
	}
	recv := api.Actor().Receiver
	b, err := readBalance(api, recv)
	if err != nil {
		return nil, err
	}
	if b.Amount < n {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientBalance, b.Amount, n)
	}
	b.Amount -= n
	if err := writeBalance(api, recv, b); err != nil {
		return nil, err
	}
	bucket, err := newContainer(api, substate.EntityTypeTransientBucket, BucketBlueprint, Balance{Resource: b.Resource, Amount: n})
	if err != nil {
		return nil, err
	}
	return &substate.Value{Owned: []substate.NodeID{bucket}}, nil
}

func amount(api kernel.API, _ *substate.Value) (*substate.Value, error) {
	b, err := readBalance(api, api.Actor().Receiver)
	if err != nil {
		return nil, err
	}
	return AmountValue(b.Amount), nil
}

// resourceOf returns the resource of the receiver as a reference.
func resourceOf(api kernel.API, _ *substate.Value) (*substate.Value, error) {
	b, err := readBalance(api, api.Actor().Receiver)
	if err != nil {
		return nil, err
	}
	return &substate.Value{Refs: []substate.NodeID{b.Resource}}, nil
}

// createProof proves the whole balance of the receiver, which must not be
// empty.
func createProof(api kernel.API, _ *substate.Value) (*substate.Value, error) {
	b, err := readBalance(api, api.Actor().Receiver)
	if err != nil {
		return nil, err
	}
	if b.Amount == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyProof, b.Resource)
	}
	proof, err := newContainer(api, substate.EntityTypeTransientProof, ProofBlueprint, b)
	if err != nil {
		return nil, err
	}
	return &substate.Value{Owned: []substate.NodeID{proof}}, nil
}
