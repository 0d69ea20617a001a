// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/kernelvm/substate"
)

const (
	maxInstructions = 256
	maxSigners      = 16
)

var (
	errNoInstructions    = errors.New("transaction has no instructions")
	errTooManyInstrs     = errors.New("too many instructions")
	errTooManySigners    = errors.New("too many signers")
	errEmptySigner       = errors.New("empty signer key")
	errUnknownOp         = errors.New("unknown instruction op")
	errMissingBlueprint  = errors.New("instruction needs a blueprint")
	errMissingReceiver   = errors.New("instruction needs a receiver")
	errMissingIdent      = errors.New("instruction needs an ident")
	errTransactionFormat = errors.New("invalid transaction format")
)

// Op selects what an instruction does.
type Op uint8

const (
	// OpCallFunction calls Blueprint::Ident.
	OpCallFunction Op = iota
	// OpCallMethod calls Ident on the global node Receiver.
	OpCallMethod
	// OpCallSlotMethod calls Ident on the worktop node in slot Slot, which
	// stays on the worktop.
	OpCallSlotMethod
	// OpDepositAll passes every node left on the worktop, except proofs, to
	// Receiver's deposit method.
	OpDepositAll
)

var opNames = map[Op]string{
	OpCallFunction:   "call_function",
	OpCallMethod:     "call_method",
	OpCallSlotMethod: "call_slot_method",
	OpDepositAll:     "deposit_all",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Instruction is one step of a transaction. Nodes returned by earlier
// instructions wait on the worktop; Buckets names the worktop slots moved
// into the call.
type Instruction struct {
	Op        Op                   `serialize:"true" json:"op"`
	Blueprint substate.BlueprintID `serialize:"true" json:"blueprint"`
	Receiver  substate.NodeID      `serialize:"true" json:"receiver"`
	Slot      uint32               `serialize:"true" json:"slot"`
	Ident     string               `serialize:"true" json:"ident"`
	Payload   []byte               `serialize:"true" json:"payload"`
	Refs      []substate.NodeID    `serialize:"true" json:"refs"`
	Buckets   []uint32             `serialize:"true" json:"buckets"`
}

func (i *Instruction) verify() error {
	switch i.Op {
	case OpCallFunction:
		if i.Blueprint.Name == "" {
			return fmt.Errorf("%w: %s", errMissingBlueprint, i.Op)
		}
	case OpCallMethod, OpDepositAll:
		if i.Receiver.IsEmpty() {
			return fmt.Errorf("%w: %s", errMissingReceiver, i.Op)
		}
	case OpCallSlotMethod:
	default:
		return fmt.Errorf("%w: %s", errUnknownOp, i.Op)
	}
	if i.Op != OpDepositAll && i.Ident == "" {
		return fmt.Errorf("%w: %s", errMissingIdent, i.Op)
	}
	return nil
}

// Transaction is a signed list of instructions. Signers are public keys; the
// signature badge of each sits in the auth zone of the root frame.
type Transaction struct {
	Nonce        uint64        `serialize:"true" json:"nonce"`
	Signers      [][]byte      `serialize:"true" json:"signers"`
	Instructions []Instruction `serialize:"true" json:"instructions"`

	id    ids.ID
	bytes []byte
}

// NewTransaction builds and encodes a transaction.
func NewTransaction(nonce uint64, signers [][]byte, instrs []Instruction) (*Transaction, error) {
	tx := &Transaction{
		Nonce:        nonce,
		Signers:      signers,
		Instructions: instrs,
	}
	if err := tx.initialize(); err != nil {
		return nil, err
	}
	return tx, nil
}

// ParseTransaction decodes [b], as produced by Transaction.Bytes.
func ParseTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	if _, err := Codec.Unmarshal(b, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", errTransactionFormat, err)
	}
	tx.bytes = b
	tx.id = hashing.ComputeHash256Array(b)
	return tx, nil
}

func (tx *Transaction) initialize() error {
	b, err := Codec.Marshal(CodecVersion, tx)
	if err != nil {
		return err
	}
	tx.bytes = b
	tx.id = hashing.ComputeHash256Array(b)
	return nil
}

func (tx *Transaction) ID() ids.ID    { return tx.id }
func (tx *Transaction) Bytes() []byte { return tx.bytes }

// SignerBadges returns the signature badge of each signer.
func (tx *Transaction) SignerBadges() []substate.NodeID {
	badges := make([]substate.NodeID, len(tx.Signers))
	for i, pk := range tx.Signers {
		badges[i] = substate.SignatureBadge(pk)
	}
	return badges
}

// Verify checks the transaction is well formed. It does not execute it.
func (tx *Transaction) Verify() error {
	switch {
	case len(tx.Instructions) == 0:
		return errNoInstructions
	case len(tx.Instructions) > maxInstructions:
		return fmt.Errorf("%w: %d > %d", errTooManyInstrs, len(tx.Instructions), maxInstructions)
	case len(tx.Signers) > maxSigners:
		return fmt.Errorf("%w: %d > %d", errTooManySigners, len(tx.Signers), maxSigners)
	}
	for _, pk := range tx.Signers {
		if len(pk) == 0 {
			return errEmptySigner
		}
	}
	for n := range tx.Instructions {
		if err := tx.Instructions[n].verify(); err != nil {
			return fmt.Errorf("instruction %d: %w", n, err)
		}
	}
	return nil
}
