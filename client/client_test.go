// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kernelvm/blueprints/account"
	"github.com/ava-labs/kernelvm/blueprints/resource"
	"github.com/ava-labs/kernelvm/kernelvm"
	"github.com/ava-labs/kernelvm/state"
	"github.com/ava-labs/kernelvm/substate"
)

var aliceKey = []byte("alice")

func newTestServer(t *testing.T) (*kernelvm.VM, Client) {
	pk, err := formatting.EncodeWithChecksum(formatting.Hex, aliceKey)
	require.NoError(t, err)
	genesis, err := json.Marshal(&kernelvm.Genesis{
		Symbol:      "XRD",
		Allocations: []kernelvm.Allocation{{PublicKey: pk, Amount: 100}},
	})
	require.NoError(t, err)

	vm := &kernelvm.VM{}
	require.NoError(t, vm.Initialize(context.Background(), state.NewState(memdb.New()), genesis, nil, nil))
	handlers, err := vm.CreateHandlers()
	require.NoError(t, err)

	server := httptest.NewServer(handlers[""])
	t.Cleanup(server.Close)
	return vm, New(server.URL)
}

func TestClient(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	vm, cli := newTestServer(t)

	info, err := cli.Info(ctx)
	assert.NoError(err)
	assert.Equal(vm.GenesisID(), info.GenesisID)
	assert.Equal(vm.NativeToken(), info.NativeToken)

	alice := substate.VirtualAccountAddress(aliceKey)
	bob := substate.VirtualAccountAddress([]byte("bob"))
	w := account.WithdrawValue(vm.NativeToken(), 40)
	tx, err := kernelvm.NewTransaction(1, [][]byte{aliceKey}, []kernelvm.Instruction{
		{Op: kernelvm.OpCallMethod, Receiver: alice, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
		{Op: kernelvm.OpDepositAll, Receiver: bob},
	})
	assert.NoError(err)

	txID, err := cli.SubmitTx(ctx, tx)
	assert.NoError(err)
	assert.Equal(tx.ID(), txID)
	info, err = cli.Info(ctx)
	assert.NoError(err)
	assert.EqualValues(1, info.PendingTxs)

	receipts, err := cli.ExecutePending(ctx)
	assert.NoError(err)
	assert.Len(receipts, 1)
	assert.Equal("committed", receipts[0].Status, receipts[0].Reason)
	assert.Contains(receipts[0].Touched, bob.String())

	receipt, err := cli.GetReceipt(ctx, txID)
	assert.NoError(err)
	assert.Equal(receipts[0].CostConsumed, receipt.CostConsumed)

	keys, err := cli.ListPartitionKeys(ctx, bob, account.VaultPartition)
	assert.NoError(err)
	assert.Equal([]substate.SubstateKey{substate.MapKey(vm.NativeToken().Bytes())}, keys)

	entry, found, err := cli.GetSubstate(ctx, bob, account.VaultPartition, keys[0])
	assert.NoError(err)
	assert.True(found)
	v, found, err := cli.GetSubstate(ctx, entry.Owned[0], substate.MainPartition, resource.MainKey)
	assert.NoError(err)
	assert.True(found)
	b, err := resource.ParseBalance(v)
	assert.NoError(err)
	assert.Equal(uint64(40), b.Amount)

	_, found, err = cli.GetSubstate(ctx, bob, substate.MainPartition+5, keys[0])
	assert.NoError(err)
	assert.False(found)
}

func TestClientRejectedTx(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	vm, cli := newTestServer(t)

	alice := substate.VirtualAccountAddress(aliceKey)
	w := account.WithdrawValue(vm.NativeToken(), 1)
	tx, err := kernelvm.NewTransaction(1, [][]byte{[]byte("mallory")}, []kernelvm.Instruction{
		{Op: kernelvm.OpCallMethod, Receiver: alice, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
		{Op: kernelvm.OpDepositAll, Receiver: substate.VirtualAccountAddress([]byte("mallory"))},
	})
	assert.NoError(err)

	receipt, err := cli.ExecuteTx(ctx, tx)
	assert.NoError(err)
	assert.Equal("rejected", receipt.Status)
	assert.Equal("authorization", receipt.Category)
	assert.Empty(receipt.Touched)

	_, err = cli.GetReceipt(ctx, tx.ID())
	assert.NoError(err)
}
