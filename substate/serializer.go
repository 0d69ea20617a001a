package substate

import (
	"errors"

	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const partitionPrefixLen = NodeIDLen + wrappers.ByteLen

var ErrInvalidDBKey = errors.New("invalid substate db key")

// PartitionPrefix is the db key prefix shared by every substate of
// [node]/[partition].
func PartitionPrefix(node NodeID, partition PartitionNumber) []byte {
	p := wrappers.Packer{MaxSize: partitionPrefixLen}
	p.PackFixedBytes(node[:])
	p.PackByte(byte(partition))
	return p.Bytes
}

// NodePrefix is the db key prefix shared by every substate of [node].
func NodePrefix(node NodeID) []byte { return node.Bytes() }

// DBKey is node || partition || key.Encode(). Keys of one partition sort the
// way SubstateKey.Compare does.
func DBKey(node NodeID, partition PartitionNumber, key SubstateKey) []byte {
	k := key.Encode()
	p := wrappers.Packer{MaxSize: partitionPrefixLen + len(k)}
	p.PackFixedBytes(node[:])
	p.PackByte(byte(partition))
	p.PackFixedBytes(k)
	return p.Bytes
}

// ParseDBKey splits a key produced by DBKey.
func ParseDBKey(raw []byte) (NodeID, PartitionNumber, SubstateKey, error) {
	if len(raw) <= partitionPrefixLen {
		return EmptyNodeID, 0, SubstateKey{}, ErrInvalidDBKey
	}
	p := wrappers.Packer{Bytes: raw}
	nodeBytes := p.UnpackFixedBytes(NodeIDLen)
	partition := p.UnpackByte()
	if p.Errored() {
		return EmptyNodeID, 0, SubstateKey{}, ErrInvalidDBKey
	}
	node, err := ToNodeID(nodeBytes)
	if err != nil {
		return EmptyNodeID, 0, SubstateKey{}, err
	}
	key, err := DecodeSubstateKey(raw[p.Offset:])
	if err != nil {
		return EmptyNodeID, 0, SubstateKey{}, err
	}
	return node, PartitionNumber(partition), key, nil
}
