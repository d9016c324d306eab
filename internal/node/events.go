package node

import (
	"sync"
	"time"
)

// Event is pushed to the UI. The set is closed: Tick, NotConnected and
// MessageReceived.
type Event interface {
	isEvent()
}

// Tick fires once a second while the node runs.
type Tick struct {
	At time.Time
}

// NotConnected reports that a message could not leave this node because no
// peer had a usable session.
type NotConnected struct {
	ChannelID string
	MessageID string
}

// MessageReceived is a chat message from another peer, already stored.
type MessageReceived struct {
	ID        string
	Author    string
	ChannelID string
	Content   string
	Sent      time.Time
}

func (Tick) isEvent()            {}
func (NotConnected) isEvent()    {}
func (MessageReceived) isEvent() {}

// eventQueue is a bounded single-consumer queue. When full, the oldest
// event is discarded so producers never block.
type eventQueue struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func newEventQueue(size int) *eventQueue {
	if size <= 0 {
		size = 1
	}
	return &eventQueue{ch: make(chan Event, size)}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
		default:
		}
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *eventQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
