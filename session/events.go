package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventHandler reacts to a register/unregister Event. An error is logged
// and otherwise discarded: one misbehaving handler never affects another,
// nor the Ref lifecycle that raised the event.
type EventHandler func(ctx context.Context, e Event) error

// Disposable cancels a prior EventBus.Listen subscription.
type Disposable interface {
	Dispose()
}

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }

type handlerEntry struct {
	fn EventHandler
}

// EventBus fans a register/unregister Event out to every subscribed
// handler and isolates failures per handler. Grounded on the push package
// in github.com/tinode/chat: a named-plugin registry (push.Register/
// handlers) that fans an outgoing payload out to every handler, adapted
// here to a dynamic subscribe/dispose model instead of static plugin
// registration.
type EventBus struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	handlers []*handlerEntry
}

func newEventBus(log logrus.FieldLogger) *EventBus {
	return &EventBus{log: log}
}

// Listen registers fn and returns a Disposable that removes it again.
func (b *EventBus) Listen(fn EventHandler) Disposable {
	entry := &handlerEntry{fn: fn}

	b.mu.Lock()
	b.handlers = append(b.handlers, entry)
	b.mu.Unlock()

	return disposeFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.handlers {
			if e == entry {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	})
}

// fire runs every currently-subscribed handler concurrently and blocks
// until all of them have returned, isolating panics and errors so that one
// handler can never affect another or the caller's eviction/load flow.
func (b *EventBus) fire(ctx context.Context, e Event) {
	b.mu.Lock()
	handlers := make([]*handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h *handlerEntry) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("device", e.Session.DeviceID()).Errorf("event handler panicked: %v", r)
				}
			}()
			if err := h.fn(ctx, e); err != nil {
				b.log.WithError(newError(ErrHandlerFailed, e.Session.DeviceID(), err)).
					Warn("event handler failed")
			}
		}(h)
	}
	wg.Wait()
}
