// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

const (
	defaultMaxCallDepth = 8
	defaultCostLimit    = 10_000_000
)

// Config bounds the execution of one transaction.
type Config struct {
	// MaxCallDepth is the deepest frame a transaction may push. The root
	// frame has depth 0.
	MaxCallDepth int `json:"maxCallDepth"`
	// CostLimit is the number of cost units a transaction may consume.
	CostLimit uint64 `json:"costLimit"`
}

// DefaultConfig returns the default execution bounds.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth: defaultMaxCallDepth,
		CostLimit:    defaultCostLimit,
	}
}

// WithDefaults returns [c] with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = d.MaxCallDepth
	}
	if c.CostLimit == 0 {
		c.CostLimit = d.CostLimit
	}
	return c
}
