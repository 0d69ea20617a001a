// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	_ kernel.GuestEngine   = &FuncEngine{}
	_ kernel.GuestInstance = &instance{}

	ErrUnknownCode   = errors.New("unknown guest code")
	ErrUnknownExport = errors.New("unknown guest export")
)

// Func is one guest export. Input and output are codec encoded values.
type Func func(ctx context.Context, api kernel.API, input []byte) ([]byte, error)

// Module is the set of exports of one piece of guest code.
type Module map[string]Func

// FuncEngine runs guest code made of Go functions. Code is identified by
// its hash; the bytes themselves are never interpreted.
type FuncEngine struct {
	lock    sync.RWMutex
	modules map[ids.ID]Module
}

func NewFuncEngine() *FuncEngine {
	return &FuncEngine{modules: make(map[ids.ID]Module)}
}

// CodeID is the identity of [code].
func CodeID(code []byte) ids.ID { return hashing.ComputeHash256Array(code) }

// Register binds [code] to [module] and returns its code id.
func (e *FuncEngine) Register(code []byte, module Module) ids.ID {
	id := CodeID(code)
	e.lock.Lock()
	defer e.lock.Unlock()
	e.modules[id] = module
	return id
}

func (e *FuncEngine) Instantiate(code []byte) (kernel.GuestInstance, error) {
	id := CodeID(code)
	e.lock.RLock()
	module, ok := e.modules[id]
	e.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, id)
	}
	return &instance{codeID: id, module: module}, nil
}

type instance struct {
	codeID ids.ID
	module Module
}

func (i *instance) Call(ctx context.Context, api kernel.API, export string, input []byte) (output []byte, err error) {
	fn, ok := i.module[export]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownExport, export, i.codeID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("guest trapped in %s: %v", export, r)
		}
	}()
	return fn(ctx, api, input)
}

// Wrap adapts a function over decoded values into a guest export.
func Wrap(fn kernel.NativeFunction) Func {
	return func(_ context.Context, api kernel.API, input []byte) ([]byte, error) {
		in, err := substate.DecodeValue(input)
		if err != nil {
			return nil, err
		}
		out, err := fn(api, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = &substate.Value{}
		}
		return substate.EncodeValue(out)
	}
}
