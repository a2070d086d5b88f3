// Package notify fans out engine events to UI subscribers with replay by
// sequence number.
package notify

import (
	"sync"
	"time"
)

const (
	MethodMessages      = "chat.messages"
	MethodState         = "chat.state"
	MethodConversations = "chat.conversations"
	MethodError         = "chat.error"
)

const subscriberBuffer = 128

type Event struct {
	Seq       int64     `json:"seq"`
	Method    string    `json:"method"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the side of the hub the engine depends on.
type Publisher interface {
	Publish(method string, payload any) Event
}

// Hub keeps the last limit events. A subscriber that cannot keep up is dropped
// and its channel closed; it can resubscribe from its last seen sequence.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
	now     func() time.Time
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Event),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Publish(method string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{Seq: h.nextSeq, Method: method, Payload: payload, Timestamp: h.now()}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the retained events after fromSeq and a channel of the
// events published from now on. cancel is idempotent.
func (h *Hub) Subscribe(fromSeq int64) (replay []Event, events <-chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay = make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
