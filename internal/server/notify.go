package server

import "sync"

// notifier wakes change-feed pollers when a user's document is written.
type notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan struct{})}
}

// wait returns a channel closed the next time wake is called for key, plus a
// release func the caller must run on poll exit so a timed-out or
// disconnected poller does not stay registered.
func (n *notifier) wait(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	return ch, func() { n.release(key, ch) }
}

// wake releases every waiter currently parked on key.
func (n *notifier) wake(key string) {
	n.mu.Lock()
	chs := n.waiters[key]
	delete(n.waiters, key)
	n.mu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}

// release drops one waiter without waking it. A waiter already consumed by
// wake is gone from the map, so this is a no-op for it.
func (n *notifier) release(key string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	chs := n.waiters[key]
	for i, c := range chs {
		if c == ch {
			chs = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(chs) == 0 {
		delete(n.waiters, key)
		return
	}
	n.waiters[key] = chs
}
