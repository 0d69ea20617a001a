// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/kernelvm/substate"
)

var _ View = kernelView{}

// ProofMainKey holds the proven resource. The first NodeIDLen bytes of its
// payload are the resource address.
var ProofMainKey = substate.FieldKey(0)

type kernelView struct {
	k *Kernel
}

func (v kernelView) TxID() ids.ID        { return v.k.txID }
func (v kernelView) Depth() int          { return v.k.current().depth }
func (v kernelView) CurrentActor() Actor { return v.k.current().actor }

func (v kernelView) AuthZone() ([]substate.NodeID, error) {
	f := v.k.current()
	zone := append(f.actor.Badges(), f.authZone...)
	for _, id := range v.k.owners.owned(f.id) {
		if id.EntityType() != substate.EntityTypeTransientProof {
			continue
		}
		proof, found, err := v.k.io.read(substate.Location{
			Node:      id,
			Partition: substate.MainPartition,
			Key:       ProofMainKey,
		})
		if err != nil {
			return nil, err
		}
		if !found || len(proof.Payload) < substate.NodeIDLen {
			continue
		}
		resource, err := substate.ToNodeID(proof.Payload[:substate.NodeIDLen])
		if err != nil {
			continue
		}
		zone = append(zone, resource)
	}
	return zone, nil
}

func (v kernelView) OwnerBadge(node substate.NodeID) (substate.NodeID, bool, error) {
	val, found, err := v.k.io.read(substate.Location{
		Node:      node,
		Partition: substate.RoleAssignmentPartition,
		Key:       substate.OwnerKey,
	})
	if err != nil || !found {
		return substate.EmptyNodeID, false, err
	}
	badge, err := substate.ParseOwner(val)
	if err != nil {
		return substate.EmptyNodeID, false, err
	}
	return badge, true, nil
}
