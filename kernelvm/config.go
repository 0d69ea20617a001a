// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"encoding/json"
	"fmt"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/modules"
)

const (
	defaultMempoolSize     = 1024
	defaultRejectedCache   = 2048
	defaultMetricNamespace = "kernelvm"
)

// Config is the VM configuration, passed to Initialize as JSON. Zero fields
// take their defaults.
type Config struct {
	Kernel           kernel.Config      `json:"kernel"`
	Costs            *modules.CostTable `json:"costs,omitempty"`
	MempoolSize      int                `json:"mempoolSize"`
	RejectedCache    int                `json:"rejectedCacheSize"`
	MetricsNamespace string             `json:"metricsNamespace"`
	// Trace logs the lifecycle of every call frame at debug level.
	Trace bool `json:"trace"`
}

// ParseConfig decodes [b]. Empty input yields the defaults.
func ParseConfig(b []byte) (Config, error) {
	var c Config
	if len(b) > 0 {
		if err := json.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("couldn't parse config: %w", err)
		}
	}
	return c.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	c.Kernel = c.Kernel.WithDefaults()
	if c.Costs == nil {
		table := modules.DefaultCostTable
		c.Costs = &table
	}
	if c.MempoolSize <= 0 {
		c.MempoolSize = defaultMempoolSize
	}
	if c.RejectedCache <= 0 {
		c.RejectedCache = defaultRejectedCache
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = defaultMetricNamespace
	}
	return c
}
