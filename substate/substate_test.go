// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package substate

import (
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDEntityType(t *testing.T) {
	assert := assert.New(t)

	vault := DeriveNodeID(EntityTypeInternalVault, ids.ID{1}, 0)
	assert.Equal(EntityTypeInternalVault, vault.EntityType())
	assert.False(vault.IsGlobal())
	assert.False(vault.IsTransient())

	pkg := WellKnownNodeID(EntityTypeGlobalPackage, "resource")
	assert.True(pkg.IsGlobal())
	assert.Equal(pkg, WellKnownNodeID(EntityTypeGlobalPackage, "resource"))

	proof := DeriveNodeID(EntityTypeTransientProof, ids.ID{1}, 1)
	assert.True(proof.IsTransient())
	assert.True(proof.EntityType().IsAutoDrop())
	assert.NotEqual(vault[1:], proof[1:])
}

func TestNodeIDDeterministic(t *testing.T) {
	assert := assert.New(t)

	a := DeriveNodeID(EntityTypeTransientBucket, ids.ID{7}, 3)
	b := DeriveNodeID(EntityTypeTransientBucket, ids.ID{7}, 3)
	c := DeriveNodeID(EntityTypeTransientBucket, ids.ID{7}, 4)
	assert.Equal(a, b)
	assert.NotEqual(a, c)
}

func TestNodeIDText(t *testing.T) {
	require := require.New(t)

	id := DeriveNodeID(EntityTypeGlobalComponent, ids.ID{9}, 0)
	text, err := id.MarshalText()
	require.NoError(err)

	var parsed NodeID
	require.NoError(parsed.UnmarshalText(text))
	require.Equal(id, parsed)

	_, err = ToNodeID([]byte{1, 2, 3})
	require.ErrorIs(err, errBadNodeIDLen)

	bad := make([]byte, NodeIDLen)
	_, err = ToNodeID(bad)
	require.ErrorIs(err, errBadEntityType)
}

func TestVirtualAccountSharesSignatureBody(t *testing.T) {
	assert := assert.New(t)

	key := []byte("public key")
	badge := SignatureBadge(key)
	account := VirtualAccountAddress(key)
	assert.True(account.IsVirtual())
	assert.True(badge.IsBadge())
	assert.Equal(badge, account.WithEntityType(EntityTypeBadgeSignature))
}

func TestSubstateKeyOrdering(t *testing.T) {
	assert := assert.New(t)

	keys := []SubstateKey{
		FieldKey(0),
		FieldKey(3),
		MapKey([]byte("a")),
		MapKey([]byte("b")),
		SortedKey(1, []byte("z")),
		SortedKey(2, []byte("a")),
	}
	for i := 1; i < len(keys); i++ {
		assert.Equal(-1, keys[i-1].Compare(keys[i]), "%s < %s", keys[i-1], keys[i])
	}
	for _, k := range keys {
		decoded, err := DecodeSubstateKey(k.Encode())
		assert.NoError(err)
		assert.True(k.Equal(decoded))
	}
	_, err := DecodeSubstateKey([]byte{9})
	assert.ErrorIs(err, errUnknownKeyKind)
}

func TestValueValidate(t *testing.T) {
	assert := assert.New(t)

	vault := DeriveNodeID(EntityTypeInternalVault, ids.ID{1}, 0)
	global := DeriveNodeID(EntityTypeGlobalComponent, ids.ID{1}, 1)

	assert.NoError((&Value{Owned: []NodeID{vault}, Refs: []NodeID{global}}).Validate())
	assert.ErrorIs((&Value{Owned: []NodeID{vault, vault}}).Validate(), ErrDuplicateOwned)
	assert.ErrorIs((&Value{Owned: []NodeID{global}}).Validate(), ErrOwnsGlobal)
	assert.ErrorIs((&Value{Owned: []NodeID{PackageBadge(global)}}).Validate(), ErrOwnsBadge)

	subs := NodeSubstates{}
	subs.Set(MainPartition, FieldKey(0), &Value{Owned: []NodeID{vault}})
	subs.Set(MainPartition, FieldKey(1), &Value{Owned: []NodeID{vault}})
	assert.ErrorIs(subs.Validate(), ErrDuplicateOwned)
}

func TestValueCodec(t *testing.T) {
	require := require.New(t)

	vault := DeriveNodeID(EntityTypeInternalVault, ids.ID{1}, 0)
	v := &Value{Payload: []byte{1, 2, 3}, Owned: []NodeID{vault}}
	b, err := EncodeValue(v)
	require.NoError(err)
	decoded, err := DecodeValue(b)
	require.NoError(err)
	require.Equal(v.Payload, decoded.Payload)
	require.Equal(v.Owned, decoded.Owned)
	require.Len(decoded.Refs, 0)

	pkg := WellKnownNodeID(EntityTypeGlobalPackage, "resource")
	info := TypeInfo{Blueprint: BlueprintID{Package: pkg, Name: "Vault"}}
	tv, err := TypeInfoValue(info)
	require.NoError(err)
	parsed, err := ParseTypeInfo(tv)
	require.NoError(err)
	require.Equal(info, parsed)
}

func TestNodeSubstatesOrder(t *testing.T) {
	assert := assert.New(t)

	a := DeriveNodeID(EntityTypeInternalVault, ids.ID{1}, 0)
	b := DeriveNodeID(EntityTypeInternalVault, ids.ID{1}, 1)
	subs := NodeSubstates{}
	subs.Set(MainPartition+1, FieldKey(0), &Value{Owned: []NodeID{b}})
	subs.Set(MainPartition, FieldKey(1), &Value{})
	subs.Set(MainPartition, FieldKey(0), &Value{Owned: []NodeID{a}})

	assert.Equal([]PartitionNumber{MainPartition, MainPartition + 1}, subs.Partitions())
	assert.Equal([]NodeID{a, b}, subs.Owned())

	_, ok := subs.Remove(MainPartition+1, FieldKey(0))
	assert.True(ok)
	assert.Equal([]PartitionNumber{MainPartition}, subs.Partitions())
}

func TestDBKey(t *testing.T) {
	require := require.New(t)

	node := DeriveNodeID(EntityTypeGlobalComponent, ids.ID{4}, 0)
	key := MapKey([]byte("entry"))
	raw := DBKey(node, MainPartition, key)
	require.Equal(PartitionPrefix(node, MainPartition), raw[:partitionPrefixLen])

	parsedNode, parsedPartition, parsedKey, err := ParseDBKey(raw)
	require.NoError(err)
	require.Equal(node, parsedNode)
	require.Equal(MainPartition, parsedPartition)
	require.True(key.Equal(parsedKey))

	_, _, _, err = ParseDBKey(raw[:partitionPrefixLen])
	require.ErrorIs(err, ErrInvalidDBKey)
}
