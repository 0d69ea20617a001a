// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package resource implements fungible resources: a global manager per
// resource, and the vaults, buckets and proofs holding its balance.
package resource

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/modules"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	PackageAddress = substate.WellKnownNodeID(substate.EntityTypeGlobalPackage, "resource")

	ManagerBlueprint = substate.BlueprintID{Package: PackageAddress, Name: "FungibleResourceManager"}
	VaultBlueprint   = substate.BlueprintID{Package: PackageAddress, Name: "Vault"}
	BucketBlueprint  = substate.BlueprintID{Package: PackageAddress, Name: "Bucket"}
	ProofBlueprint   = substate.BlueprintID{Package: PackageAddress, Name: "Proof"}

	// MainKey holds the manager state, or the balance of a container.
	MainKey = kernel.ProofMainKey

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrResourceMismatch    = errors.New("resource mismatch")
	ErrSupplyOverflow      = errors.New("total supply overflow")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrNotABucket          = errors.New("not a bucket")
	ErrEmptyProof          = errors.New("empty proof not allowed")
)

const (
	balanceLen = substate.NodeIDLen + wrappers.LongLen
	maxSymbol  = 32
)

// Balance is the state of a vault, bucket or proof. It is stored as the
// resource address followed by the amount, with the resource also kept as a
// reference.
type Balance struct {
	Resource substate.NodeID
	Amount   uint64
}

func (b Balance) Value() *substate.Value {
	p := wrappers.Packer{MaxSize: balanceLen}
	p.PackFixedBytes(b.Resource[:])
	p.PackLong(b.Amount)
	return &substate.Value{Payload: p.Bytes, Refs: []substate.NodeID{b.Resource}}
}

func ParseBalance(v *substate.Value) (Balance, error) {
	if v == nil || len(v.Payload) != balanceLen {
		return Balance{}, ErrInvalidPayload
	}
	p := wrappers.Packer{Bytes: v.Payload}
	resource, err := substate.ToNodeID(p.UnpackFixedBytes(substate.NodeIDLen))
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	amount := p.UnpackLong()
	if p.Errored() {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidPayload, p.Err)
	}
	return Balance{Resource: resource, Amount: amount}, nil
}

// AmountValue encodes an amount argument or result.
func AmountValue(amount uint64) *substate.Value {
	p := wrappers.Packer{MaxSize: wrappers.LongLen}
	p.PackLong(amount)
	return substate.NewValue(p.Bytes)
}

func ParseAmount(v *substate.Value) (uint64, error) {
	if v == nil || len(v.Payload) != wrappers.LongLen {
		return 0, ErrInvalidPayload
	}
	p := wrappers.Packer{Bytes: v.Payload}
	return p.UnpackLong(), nil
}

// CreateArgs are the arguments of FungibleResourceManager::create.
type CreateArgs struct {
	Symbol        string
	InitialSupply uint64
	// Owner may mint and burn.
	Owner substate.NodeID
}

func (a CreateArgs) Value() *substate.Value {
	p := wrappers.Packer{MaxSize: wrappers.ShortLen + len(a.Symbol) + wrappers.LongLen + substate.NodeIDLen}
	p.PackStr(a.Symbol)
	p.PackLong(a.InitialSupply)
	p.PackFixedBytes(a.Owner[:])
	return substate.NewValue(p.Bytes)
}

func parseCreateArgs(v *substate.Value) (CreateArgs, error) {
	p := wrappers.Packer{Bytes: v.Payload}
	symbol := p.UnpackStr()
	supply := p.UnpackLong()
	owner := p.UnpackFixedBytes(substate.NodeIDLen)
	if p.Errored() {
		return CreateArgs{}, fmt.Errorf("%w: %v", ErrInvalidPayload, p.Err)
	}
	if len(symbol) > maxSymbol {
		return CreateArgs{}, fmt.Errorf("%w: symbol too long", ErrInvalidPayload)
	}
	args := CreateArgs{Symbol: symbol, InitialSupply: supply}
	if !allZero(owner) {
		id, err := substate.ToNodeID(owner)
		if err != nil {
			return CreateArgs{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		args.Owner = id
	}
	return args, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Package returns the native resource package.
func Package() *kernel.Package {
	return &kernel.Package{
		Address: PackageAddress,
		Blueprints: map[string]*kernel.Blueprint{
			ManagerBlueprint.Name: managerBlueprint(),
			VaultBlueprint.Name:   vaultBlueprint(),
			BucketBlueprint.Name:  bucketBlueprint(),
			ProofBlueprint.Name:   proofBlueprint(),
		},
		Creatable: []substate.EntityType{
			substate.EntityTypeGlobalFungibleResource,
			substate.EntityTypeInternalVault,
			substate.EntityTypeTransientBucket,
			substate.EntityTypeTransientProof,
		},
	}
}

// AuthRules restricts minting and burning to the resource owner.
func AuthRules(m *modules.AuthModule) {
	m.SetRule(ManagerBlueprint, "mint", modules.RequireOwner())
	m.SetRule(ManagerBlueprint, "burn", modules.RequireOwner())
}
