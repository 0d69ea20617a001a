// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resource

import (
	"fmt"
	"math"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

type managerState struct {
	Symbol string
	Supply uint64
}

func (s managerState) value() *substate.Value {
	p := wrappers.Packer{MaxSize: wrappers.ShortLen + len(s.Symbol) + wrappers.LongLen}
	p.PackStr(s.Symbol)
	p.PackLong(s.Supply)
	return substate.NewValue(p.Bytes)
}

func parseManagerState(v *substate.Value) (managerState, error) {
	p := wrappers.Packer{Bytes: v.Payload}
	s := managerState{Symbol: p.UnpackStr(), Supply: p.UnpackLong()}
	if p.Errored() {
		return managerState{}, fmt.Errorf("%w: %v", ErrInvalidPayload, p.Err)
	}
	return s, nil
}

func managerBlueprint() *kernel.Blueprint {
	return &kernel.Blueprint{
		Functions: map[string]kernel.Export{
			"create": {Native: create},
		},
		Methods: map[string]kernel.Export{
			"mint":                {Native: mint},
			"burn":                {Native: burn},
			"create_empty_vault":  {Native: createEmpty(substate.EntityTypeInternalVault, VaultBlueprint)},
			"create_empty_bucket": {Native: createEmpty(substate.EntityTypeTransientBucket, BucketBlueprint)},
			"total_supply":        {Native: totalSupply},
		},
	}
}

// create makes a new resource and returns it as a reference, along with a
// bucket holding the initial supply if there is one.
func create(api kernel.API, in *substate.Value) (*substate.Value, error) {
	args, err := parseCreateArgs(in)
	if err != nil {
		return nil, err
	}
	id, err := api.AllocateNodeID(substate.EntityTypeGlobalFungibleResource)
	if err != nil {
		return nil, err
	}
	subs, err := substate.NewObject(substate.TypeInfo{Blueprint: ManagerBlueprint, Global: true}, args.Owner)
	if err != nil {
		return nil, err
	}
	subs.Set(substate.MainPartition, MainKey, managerState{Symbol: args.Symbol, Supply: args.InitialSupply}.value())
	if err := api.CreateNode(id, subs); err != nil {
		return nil, err
	}

	out := &substate.Value{Refs: []substate.NodeID{id}}
	if args.InitialSupply > 0 {
		bucket, err := newContainer(api, substate.EntityTypeTransientBucket, BucketBlueprint, Balance{Resource: id, Amount: args.InitialSupply})
		if err != nil {
			return nil, err
		}
		out.Owned = []substate.NodeID{bucket}
	}
	return out, nil
}

// updateSupply applies [fn] to the supply of the receiving resource.
func updateSupply(api kernel.API, fn func(supply uint64) (uint64, error)) error {
	h, v, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, MainKey, kernel.LockMutable, nil)
	if err != nil {
		return err
	}
	s, err := parseManagerState(v)
	if err != nil {
		return err
	}
	if s.Supply, err = fn(s.Supply); err != nil {
		return err
	}
	if err := api.WriteSubstate(h, s.value()); err != nil {
		return err
	}
	return api.CloseSubstate(h)
}

func mint(api kernel.API, in *substate.Value) (*substate.Value, error) {
	amount, err := ParseAmount(in)
	if err != nil {
		return nil, err
	}
	err = updateSupply(api, func(supply uint64) (uint64, error) {
		if amount > math.MaxUint64-supply {
			return 0, ErrSupplyOverflow
		}
		return supply + amount, nil
	})
	if err != nil {
		return nil, err
	}
	resource := api.Actor().Receiver
	bucket, err := newContainer(api, substate.EntityTypeTransientBucket, BucketBlueprint, Balance{Resource: resource, Amount: amount})
	if err != nil {
		return nil, err
	}
	return &substate.Value{Owned: []substate.NodeID{bucket}}, nil
}

func burn(api kernel.API, in *substate.Value) (*substate.Value, error) {
	if len(in.Owned) != 1 || in.Owned[0].EntityType() != substate.EntityTypeTransientBucket {
		return nil, ErrNotABucket
	}
	bucket := in.Owned[0]
	b, err := readBalance(api, bucket)
	if err != nil {
		return nil, err
	}
	if b.Resource != api.Actor().Receiver {
		return nil, fmt.Errorf("%w: burning %s with %s", ErrResourceMismatch, b.Resource, api.Actor().Receiver)
	}
	if _, err := api.DropNode(bucket); err != nil {
		return nil, err
	}
	err = updateSupply(api, func(supply uint64) (uint64, error) {
		if b.Amount > supply {
			return 0, ErrInsufficientBalance
		}
		return supply - b.Amount, nil
	})
	return nil, err
}

func createEmpty(entity substate.EntityType, bp substate.BlueprintID) kernel.NativeFunction {
	return func(api kernel.API, _ *substate.Value) (*substate.Value, error) {
		id, err := newContainer(api, entity, bp, Balance{Resource: api.Actor().Receiver})
		if err != nil {
			return nil, err
		}
		return &substate.Value{Owned: []substate.NodeID{id}}, nil
	}
}

func totalSupply(api kernel.API, _ *substate.Value) (*substate.Value, error) {
	h, v, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, MainKey, kernel.LockReadOnly, nil)
	if err != nil {
		return nil, err
	}
	s, err := parseManagerState(v)
	if err != nil {
		return nil, err
	}
	return AmountValue(s.Supply), api.CloseSubstate(h)
}
