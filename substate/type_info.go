// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import "fmt"

// BlueprintID names a blueprint within a package.
type BlueprintID struct {
	Package NodeID `serialize:"true" json:"package"`
	Name    string `serialize:"true" json:"name"`
}

func (b BlueprintID) String() string { return fmt.Sprintf("%s::%s", b.Package, b.Name) }

// TypeInfo is stored at TypeInfoPartition/field 0 of every object.
type TypeInfo struct {
	Blueprint BlueprintID `serialize:"true" json:"blueprint"`
	Global    bool        `serialize:"true" json:"global"`
}

// TypeInfoKey is the key TypeInfo is stored under.
var TypeInfoKey = FieldKey(0)

// OwnerKey is the key the owner badge is stored under in the role
// assignment partition.
var OwnerKey = FieldKey(0)

// TypeInfoValue encodes [info] as a substate value.
func TypeInfoValue(info TypeInfo) (*Value, error) {
	b, err := Codec.Marshal(CodecVersion, &info)
	if err != nil {
		return nil, err
	}
	return &Value{Payload: b}, nil
}

// ParseTypeInfo decodes a value produced by TypeInfoValue.
func ParseTypeInfo(v *Value) (TypeInfo, error) {
	var info TypeInfo
	if v == nil {
		return info, fmt.Errorf("nil type info")
	}
	if _, err := Codec.Unmarshal(v.Payload, &info); err != nil {
		return info, err
	}
	return info, nil
}

// OwnerValue stores [badge] as the owner role of a node.
func OwnerValue(badge NodeID) *Value { return &Value{Payload: badge.Bytes()} }

// ParseOwner decodes a value produced by OwnerValue.
func ParseOwner(v *Value) (NodeID, error) {
	if v == nil {
		return EmptyNodeID, fmt.Errorf("nil owner")
	}
	return ToNodeID(v.Payload)
}

// NewObject returns the substates every object starts with.
func NewObject(info TypeInfo, owner NodeID) (NodeSubstates, error) {
	tv, err := TypeInfoValue(info)
	if err != nil {
		return nil, err
	}
	subs := NodeSubstates{}
	subs.Set(TypeInfoPartition, TypeInfoKey, tv)
	if !owner.IsEmpty() {
		subs.Set(RoleAssignmentPartition, OwnerKey, OwnerValue(owner))
	}
	return subs, nil
}
