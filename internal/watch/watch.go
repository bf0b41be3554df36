// Package watch provides the push-based change notification stream over the
// upload ledger. Subscribers receive a fresh snapshot of active tasks after
// every ledger mutation; slow subscribers drop updates instead of blocking
// the queue manager.
package watch

import (
	"sync"

	"github.com/edgekit/modelsync/internal/task"
)

type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan []*task.Task
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan []*task.Task)}
}

// Subscribe returns a channel of active-task snapshots and a cancel func.
// The channel is closed on cancel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan []*task.Task, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan []*task.Task, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish fans a snapshot out to every subscriber. A subscriber with a full
// buffer misses this update; the next mutation delivers a newer snapshot
// anyway.
func (b *Broadcaster) Publish(snapshot []*task.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
