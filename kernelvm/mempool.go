// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/ids"
)

var (
	errEmptyMempool = errors.New("empty mempool")
	errDuplicateTx  = errors.New("transaction already pending")
)

// mempool queues submitted transactions in arrival order.
type mempool struct {
	lock    sync.Mutex
	size    int
	txs     chan *Transaction
	pending ids.Set
}

func newMempool(size int) *mempool {
	return &mempool{
		size:    size,
		txs:     make(chan *Transaction, size),
		pending: ids.NewSet(size),
	}
}

func (m *mempool) Add(tx *Transaction) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.pending.Contains(tx.ID()) {
		return fmt.Errorf("%w: %s", errDuplicateTx, tx.ID())
	}
	select {
	case m.txs <- tx:
		m.pending.Add(tx.ID())
		return nil
	default:
		return fmt.Errorf("failed to add tx(%s) to mempool due to full at size (%d)", tx.ID(), m.size)
	}
}

func (m *mempool) Next() (*Transaction, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	select {
	case tx := <-m.txs:
		m.pending.Remove(tx.ID())
		return tx, nil
	default:
		return nil, errEmptyMempool
	}
}

func (m *mempool) Len() int {
	return len(m.txs)
}
