// Package events fans queue state changes out to listeners, in process or
// across processes through Redis pub/sub.
package events

import (
	"context"

	"provisioning-queue/internal/models"
)

// Notifier receives queue events. Implementations must not block for long:
// they are called from the worker between state transitions.
type Notifier interface {
	Notify(ctx context.Context, ev models.QueueEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev models.QueueEvent)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev models.QueueEvent) { f(ctx, ev) }

// Multi delivers every event to each of its notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev models.QueueEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Discard drops events.
var Discard Notifier = NotifierFunc(func(context.Context, models.QueueEvent) {})
