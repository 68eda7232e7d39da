package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives a notification. Handlers must treat it as read-only.
type Handler func(Notification)

// SubscriptionID identifies one Subscribe call for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Dispatcher routes notifications to subscribers by type. Exact-type
// subscribers run first, then wildcard subscribers, each group in
// registration order. A panicking subscriber is logged and skipped so
// delivery to the rest continues.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID SubscriptionID
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for t (or Wildcard).
func (d *Dispatcher) Subscribe(t EventType, h Handler) SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[t] = append(d.subs[t], subscription{id: d.nextID, handler: h})
	return d.nextID
}

// Unsubscribe removes the first subscription for t with the given id.
// Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(t EventType, id SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[t]
	for i, s := range subs {
		if s.id == id {
			d.subs[t] = append(subs[:i:i], subs[i+1:]...)
			if len(d.subs[t]) == 0 {
				delete(d.subs, t)
			}
			return
		}
	}
}

// Dispatch parses raw and publishes it. A parse failure is logged and
// returned; no subscriber is invoked for that message.
func (d *Dispatcher) Dispatch(raw []byte) error {
	n, err := Parse(raw)
	if err != nil {
		d.logger.Warn("Dropping malformed notification", "error", err, "bytes", len(raw))
		return err
	}
	d.Publish(n)
	return nil
}

// Publish delivers an already decoded notification.
func (d *Dispatcher) Publish(n Notification) {
	d.mu.RLock()
	// Snapshot so handlers may (un)subscribe while running.
	targets := make([]subscription, 0, len(d.subs[n.Type])+len(d.subs[Wildcard]))
	targets = append(targets, d.subs[n.Type]...)
	targets = append(targets, d.subs[Wildcard]...)
	d.mu.RUnlock()

	for _, s := range targets {
		d.invoke(s, n)
	}
}

func (d *Dispatcher) invoke(s subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Notification subscriber panicked",
				"type", n.Type,
				"subscription", s.id,
				"panic", fmt.Sprint(r))
		}
	}()
	s.handler(n)
}

// Len returns the number of subscribers registered for t.
func (d *Dispatcher) Len(t EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[t])
}
