// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"fmt"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

var (
	_ kernel.InvokeHook   = &CostingModule{}
	_ kernel.SubstateHook = &CostingModule{}
	_ kernel.NodeHook     = &CostingModule{}
	_ kernel.StoreHook    = &CostingModule{}
	_ kernel.EventHook    = &CostingModule{}
)

// CostTable prices every metered operation in cost units.
type CostTable struct {
	Invoke            uint64 `json:"invoke"`
	PerArgByte        uint64 `json:"perArgByte"`
	LockSubstate      uint64 `json:"lockSubstate"`
	PerReadByte       uint64 `json:"perReadByte"`
	PerWriteByte      uint64 `json:"perWriteByte"`
	CreateNode        uint64 `json:"createNode"`
	PerNodeByte       uint64 `json:"perNodeByte"`
	DropNode          uint64 `json:"dropNode"`
	StoreRead         uint64 `json:"storeRead"`
	StoreReadNotFound uint64 `json:"storeReadNotFound"`
	PerStoreByte      uint64 `json:"perStoreByte"`
	NewEntry          uint64 `json:"newEntry"`
	Event             uint64 `json:"event"`
}

// DefaultCostTable is the table the VM meters with unless configured.
var DefaultCostTable = CostTable{
	Invoke:            500,
	PerArgByte:        1,
	LockSubstate:      100,
	PerReadByte:       1,
	PerWriteByte:      4,
	CreateNode:        1_000,
	PerNodeByte:       4,
	DropNode:          200,
	StoreRead:         2_000,
	StoreReadNotFound: 1_000,
	PerStoreByte:      2,
	NewEntry:          200,
	Event:             300,
}

// CostingModule meters one transaction. Once the limit is crossed every
// later hook fails as well.
type CostingModule struct {
	table    CostTable
	limit    uint64
	consumed uint64
}

func NewCostingModule(table CostTable, limit uint64) *CostingModule {
	return &CostingModule{table: table, limit: limit}
}

func (m *CostingModule) Name() string { return "costing" }

// Consumed is the number of units charged so far.
func (m *CostingModule) Consumed() uint64 { return m.consumed }

func (m *CostingModule) Limit() uint64 { return m.limit }

func (m *CostingModule) consume(units uint64, reason string) error {
	if units > m.limit-m.consumed || m.consumed > m.limit {
		m.consumed = m.limit
		return fmt.Errorf("%w: %s needs %d units, limit %d", kernel.ErrCostLimitExceeded, reason, units, m.limit)
	}
	m.consumed += units
	return nil
}

func (m *CostingModule) BeforeInvoke(_ kernel.View, callee kernel.Actor, args *substate.Value) error {
	return m.consume(m.table.Invoke+m.table.PerArgByte*uint64(len(args.Payload)), "invoke "+callee.String())
}

func (m *CostingModule) BeforeLockSubstate(kernel.View, substate.Location, kernel.LockFlags) error {
	return m.consume(m.table.LockSubstate, "lock")
}

func (m *CostingModule) AfterLockSubstate(kernel.View, kernel.LockHandle, substate.Location, int) error {
	return nil
}

func (m *CostingModule) OnReadSubstate(_ kernel.View, _ kernel.LockHandle, size int) error {
	return m.consume(m.table.PerReadByte*uint64(size), "read")
}

func (m *CostingModule) OnWriteSubstate(_ kernel.View, _ kernel.LockHandle, size int) error {
	return m.consume(m.table.PerWriteByte*uint64(size), "write")
}

func (m *CostingModule) OnCloseSubstate(kernel.View, kernel.LockHandle) error { return nil }

func (m *CostingModule) OnCreateNode(_ kernel.View, _ substate.NodeID, size int) error {
	return m.consume(m.table.CreateNode+m.table.PerNodeByte*uint64(size), "create node")
}

func (m *CostingModule) OnDropNode(kernel.View, substate.NodeID) error {
	return m.consume(m.table.DropNode, "drop node")
}

func (m *CostingModule) OnStoreAccess(_ kernel.View, access track.StoreAccess) error {
	var units uint64
	switch access.Kind {
	case track.ReadFromDB:
		units = m.table.StoreRead + m.table.PerStoreByte*uint64(access.Size)
	case track.ReadFromDBNotFound:
		units = m.table.StoreReadNotFound
	case track.NewEntryInTrack:
		units = m.table.NewEntry
	}
	return m.consume(units, access.Kind.String())
}

func (m *CostingModule) OnEmitEvent(_ kernel.View, event kernel.Event) error {
	return m.consume(m.table.Event+m.table.PerWriteByte*uint64(len(event.Payload)), "event")
}
