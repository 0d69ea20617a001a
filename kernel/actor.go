// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"

	"github.com/ava-labs/kernelvm/substate"
)

// ActorKind is the closed set of things that can execute in a frame.
type ActorKind uint8

const (
	// ActorRoot is the transaction entry point.
	ActorRoot ActorKind = iota
	// ActorMethod runs a method on an existing node.
	ActorMethod
	// ActorFunction runs a blueprint function with no instance.
	ActorFunction
	// ActorVirtualLazyLoad creates a virtual global node on first use.
	ActorVirtualLazyLoad
)

func (k ActorKind) String() string {
	switch k {
	case ActorRoot:
		return "root"
	case ActorMethod:
		return "method"
	case ActorFunction:
		return "function"
	case ActorVirtualLazyLoad:
		return "lazy_load"
	default:
		return fmt.Sprintf("actor(%d)", uint8(k))
	}
}

// Actor is the identity of the code running in a frame. Fields not used by
// the kind are zero.
type Actor struct {
	Kind      ActorKind
	Blueprint substate.BlueprintID
	Ident     string
	// Receiver is the node a method runs on, or the virtual node a lazy load
	// creates.
	Receiver substate.NodeID
	// GlobalAddress is the nearest global ancestor of the receiver, if any.
	GlobalAddress substate.NodeID
}

func RootActor() Actor { return Actor{Kind: ActorRoot} }

func MethodActor(bp substate.BlueprintID, ident string, receiver, global substate.NodeID) Actor {
	return Actor{
		Kind:          ActorMethod,
		Blueprint:     bp,
		Ident:         ident,
		Receiver:      receiver,
		GlobalAddress: global,
	}
}

func FunctionActor(bp substate.BlueprintID, ident string) Actor {
	return Actor{Kind: ActorFunction, Blueprint: bp, Ident: ident}
}

func LazyLoadActor(bp substate.BlueprintID, address substate.NodeID) Actor {
	return Actor{Kind: ActorVirtualLazyLoad, Blueprint: bp, Receiver: address, GlobalAddress: address}
}

// Package is the package whose code runs. The root actor has none.
func (a Actor) Package() substate.NodeID {
	if a.Kind == ActorRoot {
		return substate.EmptyNodeID
	}
	return a.Blueprint.Package
}

// Badges returns the badges the actor implicitly holds: its package badge
// and the global caller badge of its nearest global ancestor. Functions use
// their blueprint as the caller identity. They are computed, never stored.
func (a Actor) Badges() []substate.NodeID {
	switch a.Kind {
	case ActorMethod:
		badges := []substate.NodeID{substate.PackageBadge(a.Blueprint.Package)}
		if !a.GlobalAddress.IsEmpty() {
			badges = append(badges, substate.GlobalCallerBadge(a.GlobalAddress))
		}
		return badges
	case ActorFunction:
		return []substate.NodeID{
			substate.PackageBadge(a.Blueprint.Package),
			substate.BlueprintCallerBadge(a.Blueprint),
		}
	case ActorVirtualLazyLoad:
		return []substate.NodeID{substate.PackageBadge(a.Blueprint.Package)}
	default:
		return nil
	}
}

func (a Actor) String() string {
	switch a.Kind {
	case ActorRoot:
		return "root"
	case ActorMethod:
		return fmt.Sprintf("%s.%s on %s", a.Blueprint, a.Ident, a.Receiver)
	case ActorFunction:
		return fmt.Sprintf("%s::%s", a.Blueprint, a.Ident)
	default:
		return fmt.Sprintf("lazy load %s of %s", a.Blueprint, a.Receiver)
	}
}
