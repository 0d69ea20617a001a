// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package account implements accounts: global components owning one vault
// per resource. Virtual accounts are created on first use and owned by the
// signature badge sharing their address.
package account

import (
	"errors"
	"fmt"

	"github.com/ava-labs/kernelvm/blueprints/resource"
	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/modules"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	PackageAddress = substate.WellKnownNodeID(substate.EntityTypeGlobalPackage, "account")
	Blueprint      = substate.BlueprintID{Package: PackageAddress, Name: "Account"}

	ErrMissingResource = errors.New("resource reference required")
	ErrNoVault         = errors.New("account holds no vault of resource")
)

// VaultPartition maps resource addresses to the vault holding them.
const VaultPartition = substate.MainPartition + 1

// Package returns the native account package.
func Package() *kernel.Package {
	return &kernel.Package{
		Address: PackageAddress,
		Blueprints: map[string]*kernel.Blueprint{
			Blueprint.Name: {
				Functions: map[string]kernel.Export{
					"create": {Native: create},
				},
				Methods: map[string]kernel.Export{
					"deposit":      {Native: deposit},
					"withdraw":     {Native: withdraw},
					"create_proof": {Native: createProof},
					"balance":      {Native: balance},
				},
				LazyLoad: &kernel.Export{Native: lazyLoad},
			},
		},
		Creatable: []substate.EntityType{substate.EntityTypeGlobalComponent},
	}
}

// Register adds the package and routes virtual accounts to it.
func Register(reg *kernel.Registry) error {
	if err := reg.Register(Package()); err != nil {
		return err
	}
	return reg.RegisterVirtual(substate.EntityTypeGlobalVirtualAccount, Blueprint)
}

// AuthRules lets only the owner take funds out.
func AuthRules(m *modules.AuthModule) {
	m.SetRule(Blueprint, "withdraw", modules.RequireOwner())
	m.SetRule(Blueprint, "create_proof", modules.RequireOwner())
}

// OwnerValue is the argument of Account::create.
func OwnerValue(owner substate.NodeID) *substate.Value { return substate.NewValue(owner.Bytes()) }

// WithdrawValue is the argument of withdraw.
func WithdrawValue(res substate.NodeID, amount uint64) *substate.Value {
	v := resource.AmountValue(amount)
	v.Refs = []substate.NodeID{res}
	return v
}

// ResourceValue is the argument of balance and create_proof.
func ResourceValue(res substate.NodeID) *substate.Value {
	return &substate.Value{Refs: []substate.NodeID{res}}
}

func newAccount(api kernel.API, id substate.NodeID, owner substate.NodeID) error {
	subs, err := substate.NewObject(substate.TypeInfo{Blueprint: Blueprint, Global: true}, owner)
	if err != nil {
		return err
	}
	return api.CreateNode(id, subs)
}

func create(api kernel.API, in *substate.Value) (*substate.Value, error) {
	owner, err := substate.ToNodeID(in.Payload)
	if err != nil {
		return nil, err
	}
	id, err := api.AllocateNodeID(substate.EntityTypeGlobalComponent)
	if err != nil {
		return nil, err
	}
	if err := newAccount(api, id, owner); err != nil {
		return nil, err
	}
	return &substate.Value{Refs: []substate.NodeID{id}}, nil
}

func lazyLoad(api kernel.API, _ *substate.Value) (*substate.Value, error) {
	addr := api.Actor().Receiver
	return nil, newAccount(api, addr, addr.WithEntityType(substate.EntityTypeBadgeSignature))
}

func vaultKey(res substate.NodeID) substate.SubstateKey { return substate.MapKey(res.Bytes()) }

func resourceArg(in *substate.Value) (substate.NodeID, error) {
	if len(in.Refs) != 1 || in.Refs[0].EntityType() != substate.EntityTypeGlobalFungibleResource {
		return substate.EmptyNodeID, ErrMissingResource
	}
	return in.Refs[0], nil
}

// deposit puts every bucket in [in] into the vault of its resource,
// creating the vault if needed.
func deposit(api kernel.API, in *substate.Value) (*substate.Value, error) {
	recv := api.Actor().Receiver
	for _, bucket := range in.Owned {
		out, err := api.CallMethod(bucket, "resource", nil)
		if err != nil {
			return nil, err
		}
		res, err := resourceArg(out)
		if err != nil {
			return nil, err
		}

		h, entry, err := api.OpenSubstate(recv, VaultPartition, vaultKey(res), kernel.LockMutable, &substate.Value{})
		if err != nil {
			return nil, err
		}
		if len(entry.Owned) > 0 {
			if _, err := api.CallMethod(entry.Owned[0], "put", &substate.Value{Owned: []substate.NodeID{bucket}}); err != nil {
				return nil, err
			}
		} else {
			out, err := api.CallMethod(res, "create_empty_vault", nil)
			if err != nil {
				return nil, err
			}
			vault := out.Owned[0]
			if _, err := api.CallMethod(vault, "put", &substate.Value{Owned: []substate.NodeID{bucket}}); err != nil {
				return nil, err
			}
			entry := &substate.Value{Owned: []substate.NodeID{vault}, Refs: []substate.NodeID{res}}
			if err := api.WriteSubstate(h, entry); err != nil {
				return nil, err
			}
		}
		if err := api.CloseSubstate(h); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// withVault calls [method] on the vault of the resource named in [in].
func withVault(api kernel.API, in *substate.Value, method string, args *substate.Value) (*substate.Value, error) {
	res, err := resourceArg(in)
	if err != nil {
		return nil, err
	}
	h, entry, err := api.OpenSubstate(api.Actor().Receiver, VaultPartition, vaultKey(res), kernel.LockReadOnly, &substate.Value{})
	if err != nil {
		return nil, err
	}
	if len(entry.Owned) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoVault, res)
	}
	out, err := api.CallMethod(entry.Owned[0], method, args)
	if err != nil {
		return nil, err
	}
	return out, api.CloseSubstate(h)
}

func withdraw(api kernel.API, in *substate.Value) (*substate.Value, error) {
	if _, err := resource.ParseAmount(in); err != nil {
		return nil, err
	}
	return withVault(api, in, "take", substate.NewValue(in.Payload))
}

func createProof(api kernel.API, in *substate.Value) (*substate.Value, error) {
	return withVault(api, in, "create_proof", nil)
}

func balance(api kernel.API, in *substate.Value) (*substate.Value, error) {
	res, err := resourceArg(in)
	if err != nil {
		return nil, err
	}
	h, entry, err := api.OpenSubstate(api.Actor().Receiver, VaultPartition, vaultKey(res), kernel.LockReadOnly, &substate.Value{})
	if err != nil {
		return nil, err
	}
	if len(entry.Owned) == 0 {
		return resource.AmountValue(0), api.CloseSubstate(h)
	}
	out, err := api.CallMethod(entry.Owned[0], "amount", nil)
	if err != nil {
		return nil, err
	}
	return out, api.CloseSubstate(h)
}
