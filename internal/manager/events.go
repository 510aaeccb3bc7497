package manager

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Event kinds.
const (
	EventSubmitted  = "submitted"
	EventSuperseded = "superseded"
	EventCancelled  = "cancelled"
	EventRetired    = "retired"
)

// Event reports a change to a job registered under a key.
type Event struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	JobID string `json:"job_id"`
}

// Events fans out job events per key to subscribers. Pollers use it to wake
// early instead of waiting for their next tick. It is safe for concurrent
// use.
type Events struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
}

// NewEvents creates an empty event broker.
func NewEvents() *Events {
	return &Events{topics: make(map[string]*eventTopic)}
}

// Subscribe returns a channel receiving events for key and an unsubscribe
// function. The topic is dropped with its last subscriber.
func (e *Events) Subscribe(key string) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.topics[key]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		e.topics[key] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(t.subs, id)
			close(ch)
			if len(t.subs) == 0 && e.topics[key] == t {
				delete(e.topics, key)
			}
		})
	}
}

// Publish sends ev to all subscribers of ev.Key. Events are dropped for
// subscribers whose buffers are full.
func (e *Events) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.topics[ev.Key]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
