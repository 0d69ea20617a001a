// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/kernelvm/kernelvm"
	"github.com/ava-labs/kernelvm/substate"
)

// Client defines kernelvm client operations.
type Client interface {
	// SubmitTx queues a transaction for the next ExecutePending
	SubmitTx(ctx context.Context, tx *kernelvm.Transaction) (ids.ID, error)

	// ExecuteTx executes a transaction right away
	ExecuteTx(ctx context.Context, tx *kernelvm.Transaction) (*kernelvm.ReceiptReply, error)

	// ExecutePending executes every queued transaction
	ExecutePending(ctx context.Context) ([]kernelvm.ReceiptReply, error)

	// GetReceipt fetches the receipt of a transaction
	GetReceipt(ctx context.Context, txID ids.ID) (*kernelvm.ReceiptReply, error)

	// GetSubstate reads a committed substate. The payload is returned decoded.
	GetSubstate(ctx context.Context, node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey) (*substate.Value, bool, error)

	// ListPartitionKeys lists the committed keys of a partition
	ListPartitionKeys(ctx context.Context, node substate.NodeID, partition substate.PartitionNumber) ([]substate.SubstateKey, error)

	// Info fetches the version, genesis and mempool size
	Info(ctx context.Context) (*kernelvm.InfoReply, error)
}

// New creates a new client object. [uri] is the endpoint the VM handlers
// are served on.
func New(uri string) Client {
	return &client{uri: uri, http: http.DefaultClient}
}

type client struct {
	uri  string
	http *http.Client
}

func (cli *client) sendRequest(ctx context.Context, method string, params interface{}, reply interface{}) error {
	body, err := json2.EncodeClientRequest(fmt.Sprintf("%s.%s", kernelvm.Name, method), params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cli.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

func encodeTx(tx *kernelvm.Transaction) (string, error) {
	return formatting.EncodeWithChecksum(formatting.Hex, tx.Bytes())
}

func (cli *client) SubmitTx(ctx context.Context, tx *kernelvm.Transaction) (ids.ID, error) {
	s, err := encodeTx(tx)
	if err != nil {
		return ids.Empty, err
	}
	resp := new(kernelvm.TxIDReply)
	if err := cli.sendRequest(ctx, "submitTx", &kernelvm.TxArgs{Tx: s}, resp); err != nil {
		return ids.Empty, err
	}
	return resp.TxID, nil
}

func (cli *client) ExecuteTx(ctx context.Context, tx *kernelvm.Transaction) (*kernelvm.ReceiptReply, error) {
	s, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	resp := new(kernelvm.ReceiptReply)
	err = cli.sendRequest(ctx, "executeTx", &kernelvm.TxArgs{Tx: s}, resp)
	return resp, err
}

func (cli *client) ExecutePending(ctx context.Context) ([]kernelvm.ReceiptReply, error) {
	resp := new(kernelvm.ReceiptsReply)
	err := cli.sendRequest(ctx, "executePending", &struct{}{}, resp)
	return resp.Receipts, err
}

func (cli *client) GetReceipt(ctx context.Context, txID ids.ID) (*kernelvm.ReceiptReply, error) {
	resp := new(kernelvm.ReceiptReply)
	err := cli.sendRequest(ctx, "getReceipt", &kernelvm.TxIDArgs{TxID: txID}, resp)
	return resp, err
}

func (cli *client) GetSubstate(
	ctx context.Context,
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) (*substate.Value, bool, error) {
	k, err := formatting.EncodeWithChecksum(formatting.Hex, key.Encode())
	if err != nil {
		return nil, false, err
	}
	resp := new(kernelvm.SubstateReply)
	err = cli.sendRequest(ctx, "getSubstate", &kernelvm.SubstateArgs{
		Node:      node,
		Partition: json.Uint32(partition),
		Key:       k,
	}, resp)
	if err != nil || !resp.Found {
		return nil, false, err
	}
	payload, err := formatting.Decode(formatting.Hex, resp.Payload)
	if err != nil {
		return nil, false, err
	}
	return &substate.Value{Payload: payload, Owned: resp.Owned, Refs: resp.Refs}, true, nil
}

func (cli *client) ListPartitionKeys(ctx context.Context, node substate.NodeID, partition substate.PartitionNumber) ([]substate.SubstateKey, error) {
	resp := new(kernelvm.PartitionKeysReply)
	err := cli.sendRequest(ctx, "listPartitionKeys", &kernelvm.PartitionArgs{
		Node:      node,
		Partition: json.Uint32(partition),
	}, resp)
	if err != nil {
		return nil, err
	}
	keys := make([]substate.SubstateKey, 0, len(resp.Keys))
	for _, s := range resp.Keys {
		raw, err := formatting.Decode(formatting.Hex, s)
		if err != nil {
			return nil, err
		}
		key, err := substate.DecodeSubstateKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (cli *client) Info(ctx context.Context) (*kernelvm.InfoReply, error) {
	resp := new(kernelvm.InfoReply)
	err := cli.sendRequest(ctx, "info", &struct{}{}, resp)
	return resp, err
}
