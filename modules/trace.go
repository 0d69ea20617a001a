// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/kernelvm/kernel"
	"github.com/ava-labs/kernelvm/substate"
)

var (
	_ kernel.FrameHook = &TraceModule{}
	_ kernel.NodeHook  = &TraceModule{}
)

// TraceModule logs the frame lifecycle and node creation at debug level.
type TraceModule struct {
	log log.Logger
}

func NewTraceModule(logger log.Logger) *TraceModule {
	if logger == nil {
		logger = log.New("module", "trace")
	}
	return &TraceModule{log: logger}
}

func (m *TraceModule) Name() string { return "trace" }

func (m *TraceModule) BeforePushFrame(v kernel.View, callee kernel.Actor, args *substate.Value) error {
	m.log.Debug("push frame",
		"tx", v.TxID(),
		"depth", v.Depth()+1,
		"callee", callee,
		"owned", len(args.Owned),
		"refs", len(args.Refs),
	)
	return nil
}

func (m *TraceModule) OnExecutionStart(v kernel.View) error {
	m.log.Debug("execution start", "actor", v.CurrentActor(), "depth", v.Depth())
	return nil
}

func (m *TraceModule) OnExecutionFinish(v kernel.View, output *substate.Value) error {
	m.log.Debug("execution finish",
		"actor", v.CurrentActor(),
		"depth", v.Depth(),
		"returned", len(output.Owned),
	)
	return nil
}

func (m *TraceModule) AfterPopFrame(v kernel.View, callee kernel.Actor) error {
	m.log.Debug("pop frame", "callee", callee, "depth", v.Depth())
	return nil
}

func (m *TraceModule) OnCreateNode(v kernel.View, id substate.NodeID, size int) error {
	m.log.Debug("create node", "node", id, "size", size, "actor", v.CurrentActor())
	return nil
}

func (m *TraceModule) OnDropNode(v kernel.View, id substate.NodeID) error {
	m.log.Debug("drop node", "node", id, "actor", v.CurrentActor())
	return nil
}
