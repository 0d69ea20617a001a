// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	errBadTxBytes   = errors.New("couldn't decode transaction")
	errBadPartition = errors.New("partition out of range")
)

// Service is the API service for this VM
type Service struct{ vm *VM }

// TxArgs carries a hex encoded transaction.
type TxArgs struct {
	Tx string `json:"tx"`
}

// TxIDReply is the reply of SubmitTx.
type TxIDReply struct {
	TxID ids.ID `json:"txID"`
}

// TxIDArgs names a transaction.
type TxIDArgs struct {
	TxID ids.ID `json:"txID"`
}

// ReceiptReply is the API form of a Receipt.
type ReceiptReply struct {
	TxID         ids.ID         `json:"txID"`
	Status       string         `json:"status"`
	Updates      json.Uint32    `json:"updates"`
	Touched      []string       `json:"touched"`
	Events       []kernel.Event `json:"events"`
	CostConsumed json.Uint64    `json:"costConsumed"`
	Reason       string         `json:"reason,omitempty"`
	Category     string         `json:"category,omitempty"`
}

func newReceiptReply(r *Receipt) ReceiptReply {
	reply := ReceiptReply{
		TxID:         r.TxID,
		Status:       r.Status.String(),
		Updates:      json.Uint32(len(r.Diff.Updates)),
		Events:       r.Events,
		CostConsumed: json.Uint64(r.CostConsumed),
		Reason:       r.Reason,
	}
	for _, id := range r.Diff.Touched() {
		reply.Touched = append(reply.Touched, id.String())
	}
	if !r.Committed() {
		reply.Category = r.Category.String()
	}
	return reply
}

// ReceiptsReply is the reply of ExecutePending.
type ReceiptsReply struct {
	Receipts []ReceiptReply `json:"receipts"`
}

func parseTxArg(s string) (*Transaction, error) {
	b, err := formatting.Decode(formatting.Hex, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadTxBytes, err)
	}
	return ParseTransaction(b)
}

// SubmitTx is an API method to queue a transaction for the next
// ExecutePending.
func (s *Service) SubmitTx(_ *http.Request, args *TxArgs, reply *TxIDReply) error {
	tx, err := parseTxArg(args.Tx)
	if err != nil {
		return err
	}
	if err := s.vm.Submit(tx); err != nil {
		return err
	}
	reply.TxID = tx.ID()
	return nil
}

// ExecuteTx is an API method to execute a transaction right away.
func (s *Service) ExecuteTx(r *http.Request, args *TxArgs, reply *ReceiptReply) error {
	tx, err := parseTxArg(args.Tx)
	if err != nil {
		return err
	}
	receipt, err := s.vm.Execute(r.Context(), tx)
	if err != nil {
		return err
	}
	*reply = newReceiptReply(receipt)
	return nil
}

// ExecutePending executes every queued transaction.
func (s *Service) ExecutePending(r *http.Request, _ *struct{}, reply *ReceiptsReply) error {
	receipts, err := s.vm.ExecutePending(r.Context())
	for _, receipt := range receipts {
		reply.Receipts = append(reply.Receipts, newReceiptReply(receipt))
	}
	return err
}

// GetReceipt gets the receipt of [args.TxID]
func (s *Service) GetReceipt(_ *http.Request, args *TxIDArgs, reply *ReceiptReply) error {
	receipt, err := s.vm.GetReceipt(args.TxID)
	if err != nil {
		return err
	}
	*reply = newReceiptReply(receipt)
	return nil
}

func partitionArg(p json.Uint32) (substate.PartitionNumber, error) {
	if p > math.MaxUint8 {
		return 0, fmt.Errorf("%w: %d", errBadPartition, p)
	}
	return substate.PartitionNumber(p), nil
}

// SubstateArgs locates a substate. Key is the hex encoding of the canonical
// key bytes.
type SubstateArgs struct {
	Node      substate.NodeID `json:"node"`
	Partition json.Uint32     `json:"partition"`
	Key       string          `json:"key"`
}

// SubstateReply is a committed substate.
type SubstateReply struct {
	Found   bool              `json:"found"`
	Payload string            `json:"payload,omitempty"`
	Owned   []substate.NodeID `json:"owned,omitempty"`
	Refs    []substate.NodeID `json:"refs,omitempty"`
}

// GetSubstate reads a committed substate.
func (s *Service) GetSubstate(_ *http.Request, args *SubstateArgs, reply *SubstateReply) error {
	raw, err := formatting.Decode(formatting.Hex, args.Key)
	if err != nil {
		return err
	}
	key, err := substate.DecodeSubstateKey(raw)
	if err != nil {
		return err
	}
	partition, err := partitionArg(args.Partition)
	if err != nil {
		return err
	}
	v, found, err := s.vm.GetSubstate(args.Node, partition, key)
	if err != nil || !found {
		return err
	}
	reply.Found = true
	reply.Payload, err = formatting.EncodeWithChecksum(formatting.Hex, v.Payload)
	reply.Owned = v.Owned
	reply.Refs = v.Refs
	return err
}

// PartitionArgs names a partition.
type PartitionArgs struct {
	Node      substate.NodeID `json:"node"`
	Partition json.Uint32     `json:"partition"`
}

// PartitionKeysReply lists keys, hex encoded, in store order.
type PartitionKeysReply struct {
	Keys []string `json:"keys"`
}

// ListPartitionKeys lists the committed keys of a partition.
func (s *Service) ListPartitionKeys(_ *http.Request, args *PartitionArgs, reply *PartitionKeysReply) error {
	partition, err := partitionArg(args.Partition)
	if err != nil {
		return err
	}
	keys, err := s.vm.ListPartitionKeys(args.Node, partition)
	if err != nil {
		return err
	}
	reply.Keys = make([]string, 0, len(keys))
	for _, key := range keys {
		enc, err := formatting.EncodeWithChecksum(formatting.Hex, key.Encode())
		if err != nil {
			return err
		}
		reply.Keys = append(reply.Keys, enc)
	}
	return nil
}

// InfoReply describes the chain.
type InfoReply struct {
	Version     string          `json:"version"`
	GenesisID   ids.ID          `json:"genesisID"`
	NativeToken substate.NodeID `json:"nativeToken"`
	PendingTxs  json.Uint32     `json:"pendingTxs"`
}

// Info returns the version, genesis and mempool size.
func (s *Service) Info(_ *http.Request, _ *struct{}, reply *InfoReply) error {
	version, err := s.vm.Version()
	if err != nil {
		return err
	}
	reply.Version = version
	reply.GenesisID = s.vm.GenesisID()
	reply.NativeToken = s.vm.NativeToken()
	reply.PendingTxs = json.Uint32(s.vm.PendingTxs())
	return nil
}
