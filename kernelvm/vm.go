// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/ava-labs/avalanchego/version"

	"github.com/ava-labs/kernelvm/blueprints/account"
	"github.com/ava-labs/kernelvm/blueprints/resource"
	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/modules"
	"github.com/ava-labs/kernelvm/state"
	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

const (
	Name = "kernelvm"
)

var (
	Version = version.NewDefaultVersion(0, 1, 0)

	errNotInitialized  = errors.New("vm not initialized")
	errAlreadyExecuted = errors.New("transaction already executed")
	errUnknownReceipt  = errors.New("no receipt for transaction")
	errGenesisRejected = errors.New("genesis transaction rejected")
)

// VM executes transactions against a persistent substate store. Transactions
// run one at a time; each one either commits its whole state diff together
// with its receipt, or is rejected and leaves the store untouched.
type VM struct {
	// serializes execution and commits
	lock sync.Mutex

	log    log.Logger
	config Config
	state  state.State

	registry *kernel.Registry
	auth     *modules.AuthModule
	// nil when no registerer was given
	metrics *modules.MetricsModule

	mempool *mempool
	// rejected receipts are never persisted
	rejected cache.Cacher

	genesisID   ids.ID
	nativeToken substate.NodeID
}

// Initialize this vm
// [st] is the store the vm reads and commits to
// The genesis transaction is built from [genesisData] and executed if the
// store is empty
// [configData] is the JSON encoding of Config
// Metrics are registered on [registerer] when it is non-nil
func (vm *VM) Initialize(
	ctx context.Context,
	st state.State,
	genesisData []byte,
	configData []byte,
	registerer prometheus.Registerer,
) error {
	vm.log = log.New("module", Name)
	vm.log.Info("Initializing Kernel VM", "Version", Version)

	config, err := ParseConfig(configData)
	if err != nil {
		return err
	}
	vm.config = config
	vm.state = st
	vm.mempool = newMempool(config.MempoolSize)

	vm.registry = kernel.NewRegistry()
	if err := vm.registry.Register(resource.Package()); err != nil {
		return err
	}
	if err := account.Register(vm.registry); err != nil {
		return err
	}
	vm.auth = modules.NewAuthModule(modules.AllowAll())
	resource.AuthRules(vm.auth)
	account.AuthRules(vm.auth)

	vm.rejected = &cache.LRU{Size: config.RejectedCache}
	if registerer != nil {
		if vm.metrics, err = modules.NewMetricsModule(config.MetricsNamespace, registerer); err != nil {
			return err
		}
		if vm.rejected, err = metercacher.New(config.MetricsNamespace+"_rejected_receipts", registerer, vm.rejected); err != nil {
			return err
		}
	}

	genesis, err := ParseGenesis(genesisData)
	if err != nil {
		return err
	}
	genesisTx, err := genesis.Transaction()
	if err != nil {
		return err
	}
	vm.genesisID = genesisTx.ID()
	vm.nativeToken = NativeToken(vm.genesisID)

	initialized, err := vm.state.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		last, err := vm.state.GetLastExecuted()
		if err != nil {
			return err
		}
		vm.log.Info("Resuming from existing state", "lastExecuted", last)
		return nil
	}

	// If database is empty, run the genesis transaction
	receipt := vm.execute(ctx, genesisTx)
	if !receipt.Committed() {
		vm.log.Error("genesis rejected", "reason", receipt.Reason)
		return fmt.Errorf("%w: %s", errGenesisRejected, receipt.Reason)
	}
	if err := vm.state.SetInitialized(); err != nil {
		vm.state.Abort()
		return fmt.Errorf("error while setting db to initialized: %w", err)
	}
	if err := vm.commit(receipt); err != nil {
		return fmt.Errorf("error committing genesis: %w", err)
	}
	vm.log.Info("Genesis executed", "tx", vm.genesisID, "token", vm.nativeToken, "updates", len(receipt.Diff.Updates))
	return nil
}

// RegisterPackage makes [p] callable by later transactions.
func (vm *VM) RegisterPackage(p *kernel.Package) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.registry == nil {
		return errNotInitialized
	}
	return vm.registry.Register(p)
}

// SetAccessRule guards Blueprint::ident of a registered package.
func (vm *VM) SetAccessRule(bp substate.BlueprintID, ident string, rule modules.AccessRule) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	vm.auth.SetRule(bp, ident, rule)
}

func (vm *VM) GenesisID() ids.ID                 { return vm.genesisID }
func (vm *VM) NativeToken() substate.NodeID      { return vm.nativeToken }
func (vm *VM) Version() (string, error)          { return Version.String(), nil }
func (vm *VM) HealthCheck() (interface{}, error) { return nil, nil }

// Execute runs [tx] and commits it if it succeeds. The error is only set
// when the store fails; a rejected transaction still returns its receipt.
func (vm *VM) Execute(ctx context.Context, tx *Transaction) (*Receipt, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	return vm.executeAndCommit(ctx, tx)
}

// Submit queues [tx] for ExecutePending.
func (vm *VM) Submit(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	return vm.mempool.Add(tx)
}

// ExecutePending executes queued transactions in arrival order until the
// mempool is empty, [ctx] is done or the store fails.
func (vm *VM) ExecutePending(ctx context.Context) ([]*Receipt, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	var receipts []*Receipt
	for ctx.Err() == nil {
		tx, err := vm.mempool.Next()
		if err == errEmptyMempool {
			break
		}
		receipt, err := vm.executeAndCommit(ctx, tx)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// PendingTxs is the number of queued transactions.
func (vm *VM) PendingTxs() int { return vm.mempool.Len() }

func (vm *VM) executeAndCommit(ctx context.Context, tx *Transaction) (*Receipt, error) {
	if vm.state == nil {
		return nil, errNotInitialized
	}
	executed, err := vm.state.HasReceipt(tx.ID())
	if err != nil {
		return nil, err
	}
	if executed {
		return nil, fmt.Errorf("%w: %s", errAlreadyExecuted, tx.ID())
	}

	receipt := vm.execute(ctx, tx)
	if !receipt.Committed() {
		vm.rejected.Put(tx.ID(), receipt)
		vm.log.Debug("transaction rejected", "tx", tx.ID(), "category", receipt.Category, "reason", receipt.Reason)
		return receipt, nil
	}
	if err := vm.commit(receipt); err != nil {
		return nil, err
	}
	vm.log.Debug("transaction committed", "tx", tx.ID(), "updates", len(receipt.Diff.Updates), "cost", receipt.CostConsumed)
	return receipt, nil
}

// execute runs [tx] in a fresh kernel. It never touches the store.
func (vm *VM) execute(ctx context.Context, tx *Transaction) *Receipt {
	if err := tx.Verify(); err != nil {
		return rejected(tx.ID(), err, 0)
	}

	tr := track.New(vm.state, substate.CodecSerializer{})
	costing := modules.NewCostingModule(*vm.config.Costs, vm.config.Kernel.CostLimit)
	events := modules.NewEventsModule()
	mods := []kernel.Module{vm.auth, costing, events}
	if vm.metrics != nil {
		mods = append(mods, vm.metrics)
	}
	if vm.config.Trace {
		mods = append(mods, modules.NewTraceModule(vm.log.New("tx", tx.ID())))
	}

	k := kernel.New(ctx, kernel.Options{
		Config:   vm.config.Kernel,
		Registry: vm.registry,
		Track:    tr,
		TxID:     tx.ID(),
		Signers:  tx.SignerBadges(),
		Modules:  mods,
		Log:      vm.log.New("tx", tx.ID()),
	})
	if err := runInstructions(k, tx); err != nil {
		return rejected(tx.ID(), err, costing.Consumed())
	}
	if err := k.Finish(); err != nil {
		return rejected(tx.ID(), err, costing.Consumed())
	}
	diff, err := tr.Finalize()
	if err != nil {
		return rejected(tx.ID(), err, costing.Consumed())
	}
	return committed(tx.ID(), diff, events.Events(), costing.Consumed())
}

// commit writes the diff and the receipt of a committed transaction in one
// database commit.
func (vm *VM) commit(receipt *Receipt) error {
	b, err := receipt.Bytes()
	if err != nil {
		vm.state.Abort()
		return err
	}
	errs := wrappers.Errs{}
	errs.Add(
		vm.state.WriteBatch(&receipt.Diff),
		vm.state.PutReceipt(receipt.TxID, b),
		vm.state.SetLastExecuted(receipt.TxID),
	)
	if errs.Errored() {
		vm.state.Abort()
		return errs.Err
	}
	if err := vm.state.Commit(); err != nil {
		vm.state.Abort()
		return err
	}
	return nil
}

// GetReceipt returns the receipt of [txID], committed or recently rejected.
func (vm *VM) GetReceipt(txID ids.ID) (*Receipt, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	b, err := vm.state.GetReceipt(txID)
	switch {
	case err == nil:
		return ParseReceipt(b)
	case err != database.ErrNotFound:
		return nil, err
	}
	if r, ok := vm.rejected.Get(txID); ok {
		return r.(*Receipt), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownReceipt, txID)
}

// GetSubstate reads a committed substate.
func (vm *VM) GetSubstate(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) (*substate.Value, bool, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	b, ok, err := vm.state.Read(node, partition, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := substate.DecodeValue(b)
	return v, err == nil, err
}

// ListPartitionKeys lists the committed keys of a partition.
func (vm *VM) ListPartitionKeys(node substate.NodeID, partition substate.PartitionNumber) ([]substate.SubstateKey, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	return vm.state.ListPartitionKeys(node, partition)
}

// Shutdown closes the store.
func (vm *VM) Shutdown() error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.state == nil {
		return nil
	}
	return vm.state.Close()
}
