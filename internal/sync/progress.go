package sync

import (
	"sync"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// broadcaster fans progress events out to subscribers without blocking
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan model.ProgressEvent
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan model.ProgressEvent)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan model.ProgressEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.ProgressEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
