package orchestrator

import (
	"sync"

	"agentrouter/internal/domain/collaboration"
)

const subscriberBuffer = 64

// broker fans session events out to live subscribers. Slow subscribers lose events
// rather than stall the pipeline; the audit log keeps the full trail.
type broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan collaboration.Event
	nextID int
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]chan collaboration.Event)}
}

func (b *broker) subscribe(sessionID string) (<-chan collaboration.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan collaboration.Event, subscriberBuffer)
	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan collaboration.Event)
	}
	b.subs[sessionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[sessionID]; ok {
				if c, ok := set[id]; ok {
					delete(set, id)
					close(c)
				}
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
}

// publish delivers e without blocking. It reports how many subscribers dropped it.
func (b *broker) publish(e collaboration.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, ch := range b.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

// closeSession ends every subscription of a finished session
func (b *broker) closeSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[sessionID] {
		close(ch)
		delete(b.subs[sessionID], id)
	}
	delete(b.subs, sessionID)
}
