// (c) 2021, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
)

const (
	receiptCacheSize = 8192
)

var _ ReceiptState = &receiptState{}

// ReceiptState stores encoded transaction receipts by transaction ID.
type ReceiptState interface {
	GetReceipt(txID ids.ID) ([]byte, error)
	PutReceipt(txID ids.ID, receipt []byte) error
	HasReceipt(txID ids.ID) (bool, error)

	ClearCache()
}

type receiptState struct {
	receiptCache cache.Cacher
	receiptDB    database.Database
}

func NewReceiptState(db database.Database) ReceiptState {
	return &receiptState{
		receiptCache: &cache.LRU{Size: receiptCacheSize},
		receiptDB:    db,
	}
}

func (s *receiptState) GetReceipt(txID ids.ID) ([]byte, error) {
	if receipt, ok := s.receiptCache.Get(txID); ok {
		return receipt.([]byte), nil
	}

	receipt, err := s.receiptDB.Get(txID[:])
	if err != nil {
		return nil, err
	}

	s.receiptCache.Put(txID, receipt)
	return receipt, nil
}

func (s *receiptState) PutReceipt(txID ids.ID, receipt []byte) error {
	s.receiptCache.Put(txID, receipt)
	return s.receiptDB.Put(txID[:], receipt)
}

func (s *receiptState) HasReceipt(txID ids.ID) (bool, error) {
	if _, ok := s.receiptCache.Get(txID); ok {
		return true, nil
	}
	return s.receiptDB.Has(txID[:])
}

func (s *receiptState) ClearCache() {
	s.receiptCache.Flush()
}
