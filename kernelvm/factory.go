// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernelvm

import (
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/snow"
	"github.com/ava-labs/avalanchego/vms"
)

// ID is a unique identifier for this VM
var (
	ID             = ids.ID{'k', 'e', 'r', 'n', 'e', 'l', 'v', 'm'}
	_  vms.Factory = &Factory{}
)

// Factory ...
type Factory struct{}

// New ...
func (f *Factory) New(*snow.Context) (interface{}, error) { return &VM{}, nil }
