// Package bus fans remote-origin settings changes out to local listeners.
// Delivery is synchronous and in registration order; a panicking listener
// is logged and skipped so it cannot break delivery to the others.
package bus

import (
	"log/slog"
	"sync"

	"github.com/marlowe/crmsync/internal/models"
)

// Listener receives the confirmed document for a user after a sync applies it.
type Listener func(userID string, doc *models.SettingsDocument)

type registration struct {
	id int64
	fn Listener
}

// Bus is a per-user listener registry.
type Bus struct {
	mu        sync.Mutex
	nextID    int64
	listeners map[string][]registration
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]registration)}
}

// Subscribe registers fn for userID and returns an unsubscribe func.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(userID string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[userID] = append(b.listeners[userID], registration{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.listeners[userID]
		for i, r := range regs {
			if r.id == id {
				b.listeners[userID] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(b.listeners[userID]) == 0 {
			delete(b.listeners, userID)
		}
	}
}

// Notify delivers doc to every listener registered for userID, in
// registration order. Listeners may re-enter the bus or trigger new syncs;
// the snapshot taken under the lock keeps that safe.
func (b *Bus) Notify(userID string, doc *models.SettingsDocument) {
	b.mu.Lock()
	regs := make([]registration, len(b.listeners[userID]))
	copy(regs, b.listeners[userID])
	b.mu.Unlock()

	for _, r := range regs {
		deliver(r, userID, doc)
	}
}

func deliver(r registration, userID string, doc *models.SettingsDocument) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("notification listener panicked", "user", userID, "panic", rec)
		}
	}()
	r.fn(userID, doc.Clone())
}

// Cleanup drops all listeners for userID. Called on logout.
func (b *Bus) Cleanup(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, userID)
}

// ListenerCount returns the number of listeners for userID. Diagnostics only.
func (b *Bus) ListenerCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[userID])
}
