// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stratus

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/stratus/stratus/structs"
)

const (
	// EventDeploymentCreated fires after a deployment row is committed
	// and its placement queued.
	EventDeploymentCreated = "deployment.created"

	// EventDeploymentDeleted fires after a deployment is soft deleted.
	EventDeploymentDeleted = "deployment.deleted"
)

// EventHandler receives a deployment lifecycle event. Handlers run
// synchronously on the controller's goroutine and must not block.
type EventHandler func(event string, d *structs.Deployment)

// EventBus fans deployment lifecycle events out to registered handlers.
// A panicking handler is recovered and logged so one subscriber cannot
// take down the control plane.
type EventBus struct {
	logger hclog.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventBus returns an empty bus.
func NewEventBus(logger hclog.Logger) *EventBus {
	return &EventBus{
		logger:   logger.Named("events"),
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers a handler for the given event.
func (b *EventBus) Subscribe(event string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Publish delivers the event to every subscribed handler in order.
func (b *EventBus) Publish(event string, d *structs.Deployment) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(event, handler, d)
	}
}

func (b *EventBus) deliver(event string, handler EventHandler, d *structs.Deployment) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	handler(event, d.Copy())
}
