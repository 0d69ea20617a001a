// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import (
	"bytes"
	"errors"
	"fmt"
)

// PartitionNumber namespaces the substates of a node.
type PartitionNumber uint8

const (
	// TypeInfoPartition holds the TypeInfo of every object.
	TypeInfoPartition PartitionNumber = 0
	// RoleAssignmentPartition holds the owner badge of a node.
	RoleAssignmentPartition PartitionNumber = 1
	// MainPartition is the first partition available to blueprints.
	MainPartition PartitionNumber = 64
)

var (
	errUnknownKeyKind = errors.New("unknown substate key kind")
	errShortKey       = errors.New("substate key is too short")
)

// KeyKind tags the form of a SubstateKey.
type KeyKind uint8

const (
	KeyKindField KeyKind = iota
	KeyKindMap
	KeyKindSorted
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindField:
		return "field"
	case KeyKindMap:
		return "map"
	case KeyKindSorted:
		return "sorted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SubstateKey identifies an entry within a partition.
type SubstateKey struct {
	Kind  KeyKind `serialize:"true" json:"kind"`
	Field uint8   `serialize:"true" json:"field,omitempty"`
	Sort  uint16  `serialize:"true" json:"sort,omitempty"`
	Bytes []byte  `serialize:"true" json:"bytes,omitempty"`
}

// FieldKey returns the key of field [field].
func FieldKey(field uint8) SubstateKey { return SubstateKey{Kind: KeyKindField, Field: field} }

// MapKey returns the key of map entry [key].
func MapKey(key []byte) SubstateKey {
	return SubstateKey{Kind: KeyKindMap, Bytes: append([]byte(nil), key...)}
}

// SortedKey returns the key of a sorted entry. Entries order by [sort] first.
func SortedKey(sort uint16, key []byte) SubstateKey {
	return SubstateKey{Kind: KeyKindSorted, Sort: sort, Bytes: append([]byte(nil), key...)}
}

// Encode returns the canonical byte form of the key. Two keys are equal iff
// their encodings are equal, and encodings order the way keys are scanned.
func (k SubstateKey) Encode() []byte {
	switch k.Kind {
	case KeyKindField:
		return []byte{byte(KeyKindField), k.Field}
	case KeyKindSorted:
		b := make([]byte, 3, 3+len(k.Bytes))
		b[0] = byte(KeyKindSorted)
		b[1] = byte(k.Sort >> 8)
		b[2] = byte(k.Sort)
		return append(b, k.Bytes...)
	default:
		b := make([]byte, 1, 1+len(k.Bytes))
		b[0] = byte(KeyKindMap)
		return append(b, k.Bytes...)
	}
}

// DecodeSubstateKey parses the canonical form produced by Encode.
func DecodeSubstateKey(b []byte) (SubstateKey, error) {
	if len(b) == 0 {
		return SubstateKey{}, errShortKey
	}
	switch KeyKind(b[0]) {
	case KeyKindField:
		if len(b) != 2 {
			return SubstateKey{}, errShortKey
		}
		return FieldKey(b[1]), nil
	case KeyKindMap:
		return MapKey(b[1:]), nil
	case KeyKindSorted:
		if len(b) < 3 {
			return SubstateKey{}, errShortKey
		}
		return SortedKey(uint16(b[1])<<8|uint16(b[2]), b[3:]), nil
	default:
		return SubstateKey{}, fmt.Errorf("%w: %d", errUnknownKeyKind, b[0])
	}
}

// Canonical is Encode as a string, usable as a map key.
func (k SubstateKey) Canonical() string { return string(k.Encode()) }

// Equal reports whether two keys address the same entry.
func (k SubstateKey) Equal(o SubstateKey) bool { return bytes.Equal(k.Encode(), o.Encode()) }

// Compare orders keys by their canonical encoding.
func (k SubstateKey) Compare(o SubstateKey) int { return bytes.Compare(k.Encode(), o.Encode()) }

func (k SubstateKey) String() string {
	switch k.Kind {
	case KeyKindField:
		return fmt.Sprintf("field(%d)", k.Field)
	case KeyKindSorted:
		return fmt.Sprintf("sorted(%d,%x)", k.Sort, k.Bytes)
	default:
		return fmt.Sprintf("map(%x)", k.Bytes)
	}
}

// Location addresses one substate.
type Location struct {
	Node      NodeID
	Partition PartitionNumber
	Key       SubstateKey
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%d/%s", l.Node, l.Partition, l.Key)
}
