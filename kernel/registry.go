// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/ava-labs/kernelvm/substate"
)

// NativeFunction is blueprint code compiled into the host.
type NativeFunction func(api API, input *substate.Value) (*substate.Value, error)

// GuestEngine instantiates guest code.
type GuestEngine interface {
	Instantiate(code []byte) (GuestInstance, error)
}

// GuestInstance runs exports of instantiated guest code. Input and output
// are codec encoded values.
type GuestInstance interface {
	Call(ctx context.Context, api API, export string, input []byte) ([]byte, error)
}

// Export is one callable entry of a blueprint: a native function, or the
// name of a guest export.
type Export struct {
	Native NativeFunction
	Guest  string
}

// Blueprint is the code of one object type.
type Blueprint struct {
	Functions map[string]Export
	Methods   map[string]Export
	// LazyLoad creates the virtual node a method was called on.
	LazyLoad *Export
}

// Package groups blueprints under one global address. Guest packages set
// Engine and Code.
type Package struct {
	Address    substate.NodeID
	Blueprints map[string]*Blueprint
	// Creatable restricts which entity types the package may create. Empty
	// allows components, objects and key value stores.
	Creatable []substate.EntityType

	Engine GuestEngine
	Code   []byte
}

var defaultCreatable = []substate.EntityType{
	substate.EntityTypeGlobalComponent,
	substate.EntityTypeInternalObject,
	substate.EntityTypeInternalKeyValueStore,
}

func (p *Package) canCreate(entity substate.EntityType) bool {
	allowed := p.Creatable
	if len(allowed) == 0 {
		allowed = defaultCreatable
	}
	for _, e := range allowed {
		if e == entity {
			return true
		}
	}
	return false
}

// IsGuest reports whether the package runs through a guest engine.
func (p *Package) IsGuest() bool { return p.Engine != nil }

// Registry resolves packages and the blueprints virtual nodes belong to. It
// is built once and shared read-only by every transaction.
type Registry struct {
	packages map[substate.NodeID]*Package
	virtual  map[substate.EntityType]substate.BlueprintID
}

func NewRegistry() *Registry {
	return &Registry{
		packages: make(map[substate.NodeID]*Package),
		virtual:  make(map[substate.EntityType]substate.BlueprintID),
	}
}

// Register adds a package.
func (r *Registry) Register(p *Package) error {
	if p.Address.EntityType() != substate.EntityTypeGlobalPackage {
		return fmt.Errorf("%w: %s is not a package address", ErrPackageNotFound, p.Address)
	}
	if _, ok := r.packages[p.Address]; ok {
		return fmt.Errorf("%w: package %s", ErrDuplicateNode, p.Address)
	}
	r.packages[p.Address] = p
	return nil
}

// RegisterVirtual routes lazy loads of [entity] to [bp].
func (r *Registry) RegisterVirtual(entity substate.EntityType, bp substate.BlueprintID) error {
	if !entity.IsVirtual() {
		return fmt.Errorf("%w: %s is not virtual", ErrCannotCreateNode, entity)
	}
	r.virtual[entity] = bp
	return nil
}

// Packages returns every registered package in address order.
func (r *Registry) Packages() []*Package {
	out := make([]*Package, 0, len(r.packages))
	for _, p := range r.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

func (r *Registry) Package(addr substate.NodeID) (*Package, error) {
	p, ok := r.packages[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, addr)
	}
	return p, nil
}

func (r *Registry) blueprint(bp substate.BlueprintID) (*Package, *Blueprint, error) {
	p, err := r.Package(bp.Package)
	if err != nil {
		return nil, nil, err
	}
	b, ok := p.Blueprints[bp.Name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlueprintNotFound, bp)
	}
	return p, b, nil
}

// virtualBlueprint returns the blueprint lazy loads of [entity] run.
func (r *Registry) virtualBlueprint(entity substate.EntityType) (substate.BlueprintID, error) {
	bp, ok := r.virtual[entity]
	if !ok {
		return substate.BlueprintID{}, fmt.Errorf("%w: no lazy load for %s", ErrBlueprintNotFound, entity)
	}
	return bp, nil
}

// resolve finds the code an actor runs.
func (r *Registry) resolve(actor Actor) (*Package, Export, error) {
	p, b, err := r.blueprint(actor.Blueprint)
	if err != nil {
		return nil, Export{}, err
	}
	var (
		export Export
		ok     bool
	)
	switch actor.Kind {
	case ActorMethod:
		export, ok = b.Methods[actor.Ident]
	case ActorFunction:
		export, ok = b.Functions[actor.Ident]
	case ActorVirtualLazyLoad:
		if b.LazyLoad != nil {
			export, ok = *b.LazyLoad, true
		}
	}
	if !ok {
		return nil, Export{}, fmt.Errorf("%w: %s", ErrExportNotFound, actor)
	}
	if export.Native == nil && (export.Guest == "" || !p.IsGuest()) {
		return nil, Export{}, fmt.Errorf("%w: %s has no code", ErrExportNotFound, actor)
	}
	return p, export, nil
}
