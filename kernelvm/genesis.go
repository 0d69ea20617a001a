// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/kernelvm/blueprints/resource"
	"github.com/ava-labs/kernelvm/substate"
)

const defaultSymbol = "KVM"

var (
	errBadGenesisBytes = errors.New("couldn't parse genesis")
	errGenesisOverflow = errors.New("genesis allocations overflow the supply")
)

// Allocation credits [Amount] of the native token to the virtual account of
// [PublicKey], a hex string.
type Allocation struct {
	PublicKey string       `json:"publicKey"`
	Amount    cjson.Uint64 `json:"amount"`
}

// Genesis describes the native token and its initial holders.
type Genesis struct {
	Symbol      string       `json:"symbol"`
	Allocations []Allocation `json:"allocations"`
}

// ParseGenesis decodes [b]. Empty input is a genesis without allocations.
func ParseGenesis(b []byte) (*Genesis, error) {
	g := &Genesis{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, g); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadGenesisBytes, err)
		}
	}
	if g.Symbol == "" {
		g.Symbol = defaultSymbol
	}
	return g, nil
}

// Transaction returns the transaction that creates the native token and
// deposits every allocation. It is deterministic in [g].
func (g *Genesis) Transaction() (*Transaction, error) {
	type credit struct {
		account substate.NodeID
		amount  uint64
	}
	var (
		credits []credit
		total   uint64
	)
	for _, a := range g.Allocations {
		if a.Amount == 0 {
			continue
		}
		pk, err := formatting.Decode(formatting.Hex, a.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key %q: %v", errBadGenesisBytes, a.PublicKey, err)
		}
		if len(pk) == 0 {
			return nil, fmt.Errorf("%w: empty public key", errBadGenesisBytes)
		}
		amount := uint64(a.Amount)
		if amount > math.MaxUint64-total {
			return nil, errGenesisOverflow
		}
		total += amount
		credits = append(credits, credit{account: substate.VirtualAccountAddress(pk), amount: amount})
	}

	instrs := []Instruction{{
		Op:        OpCallFunction,
		Blueprint: resource.ManagerBlueprint,
		Ident:     "create",
		Payload:   resource.CreateArgs{Symbol: g.Symbol, InitialSupply: total}.Value().Payload,
	}}
	// slot 0 holds the whole supply; every credit but the last splits off a
	// new slot, the last one takes what is left
	next := uint32(1)
	for i, c := range credits {
		slot := uint32(0)
		if i < len(credits)-1 {
			instrs = append(instrs, Instruction{
				Op:      OpCallSlotMethod,
				Slot:    0,
				Ident:   "take",
				Payload: resource.AmountValue(c.amount).Payload,
			})
			slot = next
			next++
		}
		instrs = append(instrs, Instruction{
			Op:       OpCallMethod,
			Receiver: c.account,
			Ident:    depositMethod,
			Buckets:  []uint32{slot},
		})
	}
	return NewTransaction(0, nil, instrs)
}

// NativeToken is the address of the token created by the genesis
// transaction [genesisID]: the first node it allocates.
func NativeToken(genesisID ids.ID) substate.NodeID {
	return substate.DeriveNodeID(substate.EntityTypeGlobalFungibleResource, genesisID, 0)
}
