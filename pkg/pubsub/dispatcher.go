// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
)

// EventDispatcher is the central in-process event router (C5): it
// subscribes to a stream via a Subscriber and routes incoming events to
// registered handlers, replacing polling loops. Ported in meaning from
// original_source's events.event_dispatcher.EventDispatcher.
type EventDispatcher struct {
	subscriber *Subscriber
	channels   *ChannelManager
	project    string

	mu             sync.RWMutex
	handlers       map[EventType][]SignalHandler
	globalHandlers []SignalHandler
	onDispatch     func(EventType, HandlerResult)

	running      atomicBool
	dispatchDone chan struct{}
	dispatchCnt  int64
	errorCnt     int64
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

// NewEventDispatcher returns a dispatcher reading through subscriber.
func NewEventDispatcher(subscriber *Subscriber, project string) *EventDispatcher {
	return &EventDispatcher{
		subscriber: subscriber,
		channels:   NewChannelManager(project),
		project:    project,
		handlers:   make(map[EventType][]SignalHandler),
	}
}

// Register attaches handler to event_type; multiple handlers per type all run.
func (d *EventDispatcher) Register(eventType EventType, handler SignalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// RegisterGlobal attaches a handler that receives every event type.
func (d *EventDispatcher) RegisterGlobal(handler SignalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globalHandlers = append(d.globalHandlers, handler)
}

// OnDispatch sets a callback invoked after every dispatch that reached at
// least one handler, whether or not that dispatch succeeded.
func (d *EventDispatcher) OnDispatch(cb func(EventType, HandlerResult)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDispatch = cb
}

// Start begins listening for events on a background goroutine.
func (d *EventDispatcher) Start(ctx context.Context, channel string) {
	if d.running.get() {
		return
	}
	d.running.set(true)
	d.dispatchDone = make(chan struct{})

	if channel == "" {
		channel = d.channels.Signals()
	}

	go func() {
		defer close(d.dispatchDone)
		_ = d.subscriber.Listen(ctx, channel, func(entry StreamEntry) ListenOutcome {
			result := d.Dispatch(entry)
			if !result.Success {
				logger.Get().WithComponent("pubsub.dispatcher").Warn(
					"dispatch failed", "event_type", entry.Message.EventType, "errors", result.Errors)
				d.errorCnt++
			}
			return ListenOutcome{Ack: result.ShouldAck}
		}, nil)
	}()
}

// Stop gracefully stops the dispatcher, joining the listener goroutine.
func (d *EventDispatcher) Stop() {
	d.running.set(false)
	d.subscriber.Stop()
	if d.dispatchDone != nil {
		select {
		case <-d.dispatchDone:
		case <-time.After(5 * time.Second):
		}
	}
}

// Dispatch routes one entry to its registered handlers, aggregating results.
func (d *EventDispatcher) Dispatch(entry StreamEntry) HandlerResult {
	d.mu.RLock()
	handlers := append(append([]SignalHandler{}, d.handlers[entry.Message.EventType]...), d.globalHandlers...)
	cb := d.onDispatch
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return HandlerResult{Success: true, ActionTaken: "no_handler", ShouldAck: true, Data: map[string]any{}}
	}

	combined := newHandlerResult()
	var actions []string

	for _, h := range handlers {
		result := h.Handle(entry.Message)
		if result.Failed() {
			combined.Success = false
			combined.Errors = append(combined.Errors, result.Errors...)
		}
		if !result.ShouldAck {
			combined.ShouldAck = false
		}
		if result.ActionTaken != "" {
			actions = append(actions, result.ActionTaken)
		}
		for k, v := range result.Data {
			combined.Data[k] = v
		}
	}

	combined.ActionTaken = strings.Join(actions, "; ")
	d.dispatchCnt++

	if cb != nil {
		cb(entry.Message.EventType, combined)
	}

	return combined
}

// IsRunning reports whether the dispatcher's listener goroutine is active.
func (d *EventDispatcher) IsRunning() bool { return d.running.get() }

// DispatchCount returns the number of entries dispatched to at least one
// handler, whether through the Start listener or a direct Dispatch call.
func (d *EventDispatcher) DispatchCount() int64 { return d.dispatchCnt }

// ErrorCount returns the number of failed dispatches seen by the Start
// listener; failures of direct Dispatch calls are not counted.
func (d *EventDispatcher) ErrorCount() int64 { return d.errorCnt }

// RegisteredEvents lists event types with at least one handler.
func (d *EventDispatcher) RegisteredEvents() []EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EventType, 0, len(d.handlers))
	for et := range d.handlers {
		out = append(out, et)
	}
	return out
}
