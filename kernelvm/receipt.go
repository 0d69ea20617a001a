// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/track"
)

// Status is the outcome of a transaction.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusCommitted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Receipt is the result of executing a transaction. A committed receipt
// carries the state diff that was applied, the events emitted and the cost
// consumed. A rejected receipt carries the reason and its category; nothing
// it did reached the store.
type Receipt struct {
	TxID         ids.ID          `serialize:"true" json:"txID"`
	Status       Status          `serialize:"true" json:"status"`
	Diff         track.StateDiff `serialize:"true" json:"diff"`
	Events       []kernel.Event  `serialize:"true" json:"events"`
	CostConsumed uint64          `serialize:"true" json:"costConsumed"`
	Reason       string          `serialize:"true" json:"reason,omitempty"`
	Category     kernel.Category `serialize:"true" json:"category"`
}

func committed(txID ids.ID, diff *track.StateDiff, events []kernel.Event, cost uint64) *Receipt {
	return &Receipt{
		TxID:         txID,
		Status:       StatusCommitted,
		Diff:         *diff,
		Events:       events,
		CostConsumed: cost,
	}
}

func rejected(txID ids.ID, err error, cost uint64) *Receipt {
	return &Receipt{
		TxID:         txID,
		Status:       StatusRejected,
		CostConsumed: cost,
		Reason:       err.Error(),
		Category:     kernel.CategoryOf(err),
	}
}

func (r *Receipt) Committed() bool { return r.Status == StatusCommitted }

func (r *Receipt) Bytes() ([]byte, error) { return Codec.Marshal(CodecVersion, r) }

// ParseReceipt decodes a receipt produced by Receipt.Bytes.
func ParseReceipt(b []byte) (*Receipt, error) {
	r := &Receipt{}
	if _, err := Codec.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return r, nil
}
