// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"github.com/ava-labs/kernelvm/kernel"
)

var _ kernel.EventHook = &EventsModule{}

// EventsModule collects the events of one transaction in emission order.
type EventsModule struct {
	events []kernel.Event
}

func NewEventsModule() *EventsModule { return &EventsModule{} }

func (m *EventsModule) Name() string { return "events" }

func (m *EventsModule) OnEmitEvent(_ kernel.View, event kernel.Event) error {
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the collected events.
func (m *EventsModule) Events() []kernel.Event {
	out := make([]kernel.Event, len(m.events))
	copy(out, m.events)
	return out
}
