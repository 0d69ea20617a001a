// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kernelvm/blueprints/account"
	"github.com/ava-labs/kernelvm/blueprints/resource"
	"github.com/ava-labs/kernelvm/guest"
	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/modules"
	"github.com/ava-labs/kernelvm/state"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	aliceKey = []byte("alice")
	bobKey   = []byte("bob")

	aliceAccount = substate.VirtualAccountAddress(aliceKey)
	bobAccount   = substate.VirtualAccountAddress(bobKey)
)

func testGenesis(t *testing.T) []byte {
	alice, err := formatting.EncodeWithChecksum(formatting.Hex, aliceKey)
	require.NoError(t, err)
	bob, err := formatting.EncodeWithChecksum(formatting.Hex, bobKey)
	require.NoError(t, err)
	b, err := json.Marshal(&Genesis{
		Symbol: "XRD",
		Allocations: []Allocation{
			{PublicKey: alice, Amount: 100},
			{PublicKey: bob, Amount: 50},
		},
	})
	require.NoError(t, err)
	return b
}

func newTestVM(t *testing.T, db database.Database) *VM {
	vm := &VM{}
	require.NoError(t, vm.Initialize(context.Background(), state.NewState(db), testGenesis(t), nil, nil))
	return vm
}

// balanceOf reads the committed balance of [res] held by [acct].
func balanceOf(t *testing.T, vm *VM, acct, res substate.NodeID) uint64 {
	entry, found, err := vm.GetSubstate(acct, account.VaultPartition, substate.MapKey(res.Bytes()))
	require.NoError(t, err)
	if !found {
		return 0
	}
	require.Len(t, entry.Owned, 1)
	v, found, err := vm.GetSubstate(entry.Owned[0], substate.MainPartition, resource.MainKey)
	require.NoError(t, err)
	require.True(t, found)
	b, err := resource.ParseBalance(v)
	require.NoError(t, err)
	assert.Equal(t, res, b.Resource)
	return b.Amount
}

func transferTx(t *testing.T, nonce uint64, signer []byte, from, to substate.NodeID, res substate.NodeID, amount uint64) *Transaction {
	w := account.WithdrawValue(res, amount)
	tx, err := NewTransaction(nonce, [][]byte{signer}, []Instruction{
		{Op: OpCallMethod, Receiver: from, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
		{Op: OpDepositAll, Receiver: to},
	})
	require.NoError(t, err)
	return tx
}

func TestGenesis(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())

	ok, err := vm.state.IsInitialized()
	assert.NoError(err)
	assert.True(ok)

	last, err := vm.state.GetLastExecuted()
	assert.NoError(err)
	assert.Equal(vm.GenesisID(), last)

	receipt, err := vm.GetReceipt(vm.GenesisID())
	assert.NoError(err)
	assert.True(receipt.Committed())
	assert.NotEmpty(receipt.Diff.Updates)

	token := vm.NativeToken()
	assert.Equal(substate.EntityTypeGlobalFungibleResource, token.EntityType())
	assert.Equal(uint64(100), balanceOf(t, vm, aliceAccount, token))
	assert.Equal(uint64(50), balanceOf(t, vm, bobAccount, token))
}

func TestTransferCommits(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())
	token := vm.NativeToken()

	tx := transferTx(t, 1, aliceKey, aliceAccount, bobAccount, token, 30)
	receipt, err := vm.Execute(context.Background(), tx)
	assert.NoError(err)
	assert.True(receipt.Committed(), receipt.Reason)
	assert.NotZero(receipt.CostConsumed)

	assert.Equal(uint64(70), balanceOf(t, vm, aliceAccount, token))
	assert.Equal(uint64(80), balanceOf(t, vm, bobAccount, token))

	stored, err := vm.GetReceipt(tx.ID())
	assert.NoError(err)
	assert.Equal(receipt.Diff, stored.Diff)

	_, err = vm.Execute(context.Background(), tx)
	assert.True(errors.Is(err, errAlreadyExecuted))
}

func TestOrphanRollsBack(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())
	token := vm.NativeToken()

	// the withdrawn bucket is left on the worktop
	w := account.WithdrawValue(token, 30)
	tx, err := NewTransaction(1, [][]byte{aliceKey}, []Instruction{
		{Op: OpCallMethod, Receiver: aliceAccount, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
	})
	assert.NoError(err)

	receipt, err := vm.Execute(context.Background(), tx)
	assert.NoError(err)
	assert.False(receipt.Committed())
	assert.Equal(kernel.CategoryStructural, receipt.Category)
	assert.Contains(receipt.Reason, kernel.ErrOrphanedNode.Error())
	assert.Equal(uint64(100), balanceOf(t, vm, aliceAccount, token))

	has, err := vm.state.HasReceipt(tx.ID())
	assert.NoError(err)
	assert.False(has)
	cached, err := vm.GetReceipt(tx.ID())
	assert.NoError(err)
	assert.Equal(StatusRejected, cached.Status)

	last, err := vm.state.GetLastExecuted()
	assert.NoError(err)
	assert.Equal(vm.GenesisID(), last)
}

func TestRejections(t *testing.T) {
	token := func(vm *VM) substate.NodeID { return vm.NativeToken() }
	tests := []struct {
		name     string
		setup    func(vm *VM)
		tx       func(vm *VM) *Transaction
		category kernel.Category
	}{
		{
			name: "withdraw by non owner",
			tx: func(vm *VM) *Transaction {
				return transferTx(t, 1, bobKey, aliceAccount, bobAccount, token(vm), 1)
			},
			category: kernel.CategoryAuthorization,
		},
		{
			name:  "cost limit",
			setup: func(vm *VM) { vm.config.Kernel.CostLimit = 1_000 },
			tx: func(vm *VM) *Transaction {
				return transferTx(t, 1, aliceKey, aliceAccount, bobAccount, token(vm), 1)
			},
			category: kernel.CategoryResourceLimit,
		},
		{
			name: "insufficient balance",
			tx: func(vm *VM) *Transaction {
				return transferTx(t, 1, aliceKey, aliceAccount, bobAccount, token(vm), 101)
			},
			category: kernel.CategoryGuest,
		},
		{
			name: "unknown blueprint",
			tx: func(vm *VM) *Transaction {
				tx, err := NewTransaction(1, nil, []Instruction{{
					Op:        OpCallFunction,
					Blueprint: substate.BlueprintID{Package: resource.PackageAddress, Name: "Nope"},
					Ident:     "create",
				}})
				require.NoError(t, err)
				return tx
			},
			category: kernel.CategoryStructural,
		},
		{
			name: "no instructions",
			tx: func(vm *VM) *Transaction {
				tx, err := NewTransaction(1, nil, nil)
				require.NoError(t, err)
				return tx
			},
			category: kernel.CategoryUnknown,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := assert.New(t)
			vm := newTestVM(t, memdb.New())
			if test.setup != nil {
				test.setup(vm)
			}

			receipt, err := vm.Execute(context.Background(), test.tx(vm))
			assert.NoError(err)
			assert.Equal(StatusRejected, receipt.Status)
			assert.Equal(test.category, receipt.Category, receipt.Reason)
			assert.Empty(receipt.Diff.Updates)
			assert.Equal(uint64(100), balanceOf(t, vm, aliceAccount, vm.NativeToken()))
			assert.Equal(uint64(50), balanceOf(t, vm, bobAccount, vm.NativeToken()))
		})
	}
}

func TestWorktopSlots(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())
	token := vm.NativeToken()

	// split a withdrawal in two through the worktop, then deposit both
	w := account.WithdrawValue(token, 10)
	tx, err := NewTransaction(1, [][]byte{aliceKey}, []Instruction{
		{Op: OpCallMethod, Receiver: aliceAccount, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
		{Op: OpCallSlotMethod, Slot: 0, Ident: "take", Payload: resource.AmountValue(4).Payload},
		{Op: OpCallMethod, Receiver: bobAccount, Ident: "deposit", Buckets: []uint32{1}},
		{Op: OpCallMethod, Receiver: bobAccount, Ident: "deposit", Buckets: []uint32{0}},
	})
	assert.NoError(err)
	receipt, err := vm.Execute(context.Background(), tx)
	assert.NoError(err)
	assert.True(receipt.Committed(), receipt.Reason)
	assert.Equal(uint64(90), balanceOf(t, vm, aliceAccount, token))
	assert.Equal(uint64(60), balanceOf(t, vm, bobAccount, token))

	// a slot can only be taken once
	tx, err = NewTransaction(2, [][]byte{aliceKey}, []Instruction{
		{Op: OpCallMethod, Receiver: aliceAccount, Ident: "withdraw", Payload: w.Payload, Refs: w.Refs},
		{Op: OpCallMethod, Receiver: bobAccount, Ident: "deposit", Buckets: []uint32{0}},
		{Op: OpCallMethod, Receiver: bobAccount, Ident: "deposit", Buckets: []uint32{0}},
	})
	assert.NoError(err)
	receipt, err = vm.Execute(context.Background(), tx)
	assert.NoError(err)
	assert.False(receipt.Committed())
	assert.Contains(receipt.Reason, errSlotTaken.Error())
	assert.Equal(kernel.CategoryStructural, receipt.Category)
	assert.Equal(uint64(90), balanceOf(t, vm, aliceAccount, token))
}

func TestMempool(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())
	token := vm.NativeToken()

	tx1 := transferTx(t, 1, aliceKey, aliceAccount, bobAccount, token, 10)
	tx2 := transferTx(t, 2, bobKey, bobAccount, aliceAccount, token, 60)
	assert.NoError(vm.Submit(tx1))
	assert.NoError(vm.Submit(tx2))
	assert.True(errors.Is(vm.Submit(tx1), errDuplicateTx))
	assert.Equal(2, vm.PendingTxs())

	receipts, err := vm.ExecutePending(context.Background())
	assert.NoError(err)
	assert.Len(receipts, 2)
	assert.Equal(tx1.ID(), receipts[0].TxID)
	assert.True(receipts[0].Committed(), receipts[0].Reason)
	assert.Equal(tx2.ID(), receipts[1].TxID)
	assert.True(receipts[1].Committed(), receipts[1].Reason)
	assert.Zero(vm.PendingTxs())

	assert.Equal(uint64(150), balanceOf(t, vm, aliceAccount, token))
	assert.Equal(uint64(0), balanceOf(t, vm, bobAccount, token))
}

func TestRestart(t *testing.T) {
	assert := assert.New(t)
	db := memdb.New()
	vm := newTestVM(t, db)
	token := vm.NativeToken()

	tx := transferTx(t, 1, aliceKey, aliceAccount, bobAccount, token, 25)
	receipt, err := vm.Execute(context.Background(), tx)
	assert.NoError(err)
	assert.True(receipt.Committed(), receipt.Reason)

	restarted := newTestVM(t, db)
	assert.Equal(token, restarted.NativeToken())
	assert.Equal(uint64(75), balanceOf(t, restarted, aliceAccount, token))
	last, err := restarted.state.GetLastExecuted()
	assert.NoError(err)
	assert.Equal(tx.ID(), last)
}

func TestGuestPackageEvents(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, memdb.New())

	pkg := substate.WellKnownNodeID(substate.EntityTypeGlobalPackage, "guestbook")
	bp := substate.BlueprintID{Package: pkg, Name: "Guestbook"}
	code := []byte("guestbook v1")
	engine := guest.NewFuncEngine()
	engine.Register(code, guest.Module{
		"sign": guest.Wrap(func(api kernel.API, in *substate.Value) (*substate.Value, error) {
			return nil, api.EmitEvent("signed", in.Payload)
		}),
	})
	assert.NoError(vm.RegisterPackage(&kernel.Package{
		Address: pkg,
		Blueprints: map[string]*kernel.Blueprint{
			bp.Name: {Functions: map[string]kernel.Export{"sign": {Guest: "sign"}}},
		},
		Engine: engine,
		Code:   code,
	}))
	vm.SetAccessRule(bp, "sign", modules.RequireBadge(substate.SignatureBadge(aliceKey)))

	sign := func(nonce uint64, signer []byte) *Receipt {
		tx, err := NewTransaction(nonce, [][]byte{signer}, []Instruction{{
			Op:        OpCallFunction,
			Blueprint: bp,
			Ident:     "sign",
			Payload:   []byte("hello"),
		}})
		assert.NoError(err)
		receipt, err := vm.Execute(context.Background(), tx)
		assert.NoError(err)
		return receipt
	}

	receipt := sign(1, aliceKey)
	assert.True(receipt.Committed(), receipt.Reason)
	assert.Len(receipt.Events, 1)
	assert.Equal("signed", receipt.Events[0].Name)
	assert.Equal([]byte("hello"), receipt.Events[0].Payload)
	assert.Equal(bp, receipt.Events[0].Source)

	receipt = sign(2, bobKey)
	assert.False(receipt.Committed())
	assert.Equal(kernel.CategoryAuthorization, receipt.Category)
	assert.Empty(receipt.Events)
}

func TestMetricsRegistered(t *testing.T) {
	assert := assert.New(t)
	registry := prometheus.NewRegistry()
	vm := &VM{}
	assert.NoError(vm.Initialize(context.Background(), state.NewState(memdb.New()), testGenesis(t), nil, registry))

	tx := transferTx(t, 1, aliceKey, aliceAccount, bobAccount, vm.NativeToken(), 1)
	_, err := vm.Execute(context.Background(), tx)
	assert.NoError(err)
	_, err = vm.GetReceipt(tx.ID())
	assert.NoError(err)

	families, err := registry.Gather()
	assert.NoError(err)
	assert.NotEmpty(families)
}
