// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"fmt"
	"net/http"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"
)

// StaticService encodes and decodes transactions without touching any
// chain state.
type StaticService struct{}

// CreateStaticService ...
func CreateStaticService() *StaticService {
	return &StaticService{}
}

// BuildTxArgs are arguments for BuildTx. Signers are hex encoded public
// keys.
type BuildTxArgs struct {
	Nonce        json.Uint64   `json:"nonce"`
	Signers      []string      `json:"signers"`
	Instructions []Instruction `json:"instructions"`
}

// BuildTxReply is the reply from BuildTx
type BuildTxReply struct {
	Tx   string `json:"tx"`
	TxID ids.ID `json:"txID"`
}

// BuildTx returns the hex encoding of a transaction
func (ss *StaticService) BuildTx(_ *http.Request, args *BuildTxArgs, reply *BuildTxReply) error {
	signers := make([][]byte, len(args.Signers))
	for i, s := range args.Signers {
		pk, err := formatting.Decode(formatting.Hex, s)
		if err != nil {
			return fmt.Errorf("couldn't decode signer %d: %s", i, err)
		}
		signers[i] = pk
	}
	tx, err := NewTransaction(uint64(args.Nonce), signers, args.Instructions)
	if err != nil {
		return err
	}
	if err := tx.Verify(); err != nil {
		return err
	}
	reply.Tx, err = formatting.EncodeWithChecksum(formatting.Hex, tx.Bytes())
	if err != nil {
		return fmt.Errorf("couldn't encode tx as string: %s", err)
	}
	reply.TxID = tx.ID()
	return nil
}

// DecodeTxArgs are arguments for DecodeTx
type DecodeTxArgs struct {
	Tx string `json:"tx"`
}

// DecodeTxReply is the reply from DecodeTx
type DecodeTxReply struct {
	TxID        ids.ID       `json:"txID"`
	Transaction *Transaction `json:"transaction"`
}

// DecodeTx returns the decoded transaction
func (ss *StaticService) DecodeTx(_ *http.Request, args *DecodeTxArgs, reply *DecodeTxReply) error {
	tx, err := parseTxArg(args.Tx)
	if err != nil {
		return err
	}
	reply.TxID = tx.ID()
	reply.Transaction = tx
	return nil
}
