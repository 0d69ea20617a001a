// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/hashing"
)

// NodeIDLen is the width of a NodeID. The first byte is the entity type.
const NodeIDLen = 30

var (
	errBadNodeIDLen  = errors.New("node id has the wrong length")
	errBadEntityType = errors.New("node id has an unknown entity type")

	// EmptyNodeID is the zero NodeID. It is never allocated.
	EmptyNodeID = NodeID{}
)

// EntityType is the discriminant baked into the first byte of every NodeID.
type EntityType byte

const (
	EntityTypeGlobalPackage EntityType = iota + 1
	EntityTypeGlobalComponent
	EntityTypeGlobalFungibleResource
	EntityTypeGlobalVirtualAccount
	EntityTypeInternalVault
	EntityTypeInternalKeyValueStore
	EntityTypeInternalObject
	EntityTypeTransientBucket
	EntityTypeTransientProof
	EntityTypeBadgePackage
	EntityTypeBadgeGlobalCaller
	EntityTypeBadgeSignature

	entityTypeEnd
)

var entityTypeNames = map[EntityType]string{
	EntityTypeGlobalPackage:          "package",
	EntityTypeGlobalComponent:        "component",
	EntityTypeGlobalFungibleResource: "resource",
	EntityTypeGlobalVirtualAccount:   "account",
	EntityTypeInternalVault:          "vault",
	EntityTypeInternalKeyValueStore:  "kvstore",
	EntityTypeInternalObject:         "object",
	EntityTypeTransientBucket:        "bucket",
	EntityTypeTransientProof:         "proof",
	EntityTypeBadgePackage:           "packagebadge",
	EntityTypeBadgeGlobalCaller:      "callerbadge",
	EntityTypeBadgeSignature:         "signaturebadge",
}

func (e EntityType) String() string {
	if name, ok := entityTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("entity(%d)", byte(e))
}

// Valid reports whether [e] is a known entity type.
func (e EntityType) Valid() bool { return e > 0 && e < entityTypeEnd }

// IsGlobal reports whether nodes of this type live directly in the store and
// may be referenced from anywhere.
func (e EntityType) IsGlobal() bool {
	switch e {
	case EntityTypeGlobalPackage,
		EntityTypeGlobalComponent,
		EntityTypeGlobalFungibleResource,
		EntityTypeGlobalVirtualAccount:
		return true
	default:
		return false
	}
}

// IsVirtual reports whether a node of this type may be created lazily the
// first time it is invoked.
func (e EntityType) IsVirtual() bool { return e == EntityTypeGlobalVirtualAccount }

// IsInternal reports whether the type can only exist owned by another node.
func (e EntityType) IsInternal() bool {
	switch e {
	case EntityTypeInternalVault, EntityTypeInternalKeyValueStore, EntityTypeInternalObject:
		return true
	default:
		return false
	}
}

// IsTransient reports whether nodes of this type must never reach the store.
func (e EntityType) IsTransient() bool {
	return e == EntityTypeTransientBucket || e == EntityTypeTransientProof
}

// IsAutoDrop reports whether the kernel drops leftover nodes of this type when
// their owning frame exits instead of failing with an orphaned node.
func (e EntityType) IsAutoDrop() bool { return e == EntityTypeTransientProof }

// IsBadge reports whether the type is a computed badge. Badges never own
// substates.
func (e EntityType) IsBadge() bool {
	switch e {
	case EntityTypeBadgePackage, EntityTypeBadgeGlobalCaller, EntityTypeBadgeSignature:
		return true
	default:
		return false
	}
}

// NodeID identifies an addressable node.
type NodeID [NodeIDLen]byte

// NewNodeID builds a NodeID of type [entity] from the first NodeIDLen-1 bytes
// of [body]. Shorter bodies are zero padded.
func NewNodeID(entity EntityType, body []byte) NodeID {
	id := NodeID{byte(entity)}
	copy(id[1:], body)
	return id
}

// DeriveNodeID deterministically derives a NodeID from [seed] and [counter].
func DeriveNodeID(entity EntityType, seed ids.ID, counter uint32) NodeID {
	buf := make([]byte, len(seed)+4)
	copy(buf, seed[:])
	binary.BigEndian.PutUint32(buf[len(seed):], counter)
	return NewNodeID(entity, hashing.ComputeHash256(buf))
}

// ToNodeID parses raw bytes as a NodeID.
func ToNodeID(b []byte) (NodeID, error) {
	if len(b) != NodeIDLen {
		return EmptyNodeID, fmt.Errorf("%w: %d", errBadNodeIDLen, len(b))
	}
	var id NodeID
	copy(id[:], b)
	if !id.EntityType().Valid() {
		return EmptyNodeID, fmt.Errorf("%w: %d", errBadEntityType, b[0])
	}
	return id, nil
}

func (id NodeID) EntityType() EntityType { return EntityType(id[0]) }
func (id NodeID) IsGlobal() bool         { return id.EntityType().IsGlobal() }
func (id NodeID) IsVirtual() bool        { return id.EntityType().IsVirtual() }
func (id NodeID) IsTransient() bool      { return id.EntityType().IsTransient() }
func (id NodeID) IsBadge() bool          { return id.EntityType().IsBadge() }
func (id NodeID) IsEmpty() bool          { return id == EmptyNodeID }

// Bytes returns a copy of the raw id.
func (id NodeID) Bytes() []byte {
	b := make([]byte, NodeIDLen)
	copy(b, id[:])
	return b
}

// WithEntityType returns [id] with its discriminant replaced. The body is kept,
// which is how virtual addresses map onto their signature badges.
func (id NodeID) WithEntityType(entity EntityType) NodeID {
	id[0] = byte(entity)
	return id
}

func (id NodeID) String() string {
	s, err := formatting.EncodeWithChecksum(formatting.Hex, id[1:])
	if err != nil {
		return fmt.Sprintf("%s_%x", id.EntityType(), id[1:])
	}
	return id.EntityType().String() + "_" + s
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	s, err := formatting.EncodeWithChecksum(formatting.Hex, id[:])
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = EmptyNodeID
		return nil
	}
	b, err := formatting.Decode(formatting.Hex, string(text))
	if err != nil {
		return err
	}
	parsed, err := ToNodeID(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PackageBadge is the badge every actor running code of [pkg] carries.
func PackageBadge(pkg NodeID) NodeID { return pkg.WithEntityType(EntityTypeBadgePackage) }

// GlobalCallerBadge is the badge carried by callers whose nearest global
// ancestor is [global].
func GlobalCallerBadge(global NodeID) NodeID {
	return global.WithEntityType(EntityTypeBadgeGlobalCaller)
}

// BlueprintCallerBadge is the global caller badge of a function actor, which
// has no instance and is identified by its blueprint instead.
func BlueprintCallerBadge(bp BlueprintID) NodeID {
	buf := make([]byte, 0, NodeIDLen+len(bp.Name))
	buf = append(buf, bp.Package[:]...)
	buf = append(buf, bp.Name...)
	return NewNodeID(EntityTypeBadgeGlobalCaller, hashing.ComputeHash256(buf))
}

// SignatureBadge is the virtual badge proving control of [publicKey].
func SignatureBadge(publicKey []byte) NodeID {
	return NewNodeID(EntityTypeBadgeSignature, hashing.ComputeHash256(publicKey))
}

// VirtualAccountAddress is the global address of the virtual account
// controlled by [publicKey]. It shares its body with SignatureBadge.
func VirtualAccountAddress(publicKey []byte) NodeID {
	return SignatureBadge(publicKey).WithEntityType(EntityTypeGlobalVirtualAccount)
}

// WellKnownNodeID builds a fixed, human-recognizable NodeID. Used for native
// packages that exist from genesis.
func WellKnownNodeID(entity EntityType, name string) NodeID {
	return NewNodeID(entity, hashing.ComputeHash256([]byte(name)))
}
