package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const (
	TopicClock = "clock"
	TopicGift  = "gift"

	defaultBufferSize = 32
)

// Hub fans serialized messages out to per-topic subscribers.
// A subscriber whose buffer is full is dropped and its stream closed.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[string]*subscriber
	bufferSize  int
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     string
	stream chan []byte
}

// NewHub returns a hub whose subscriber streams buffer bufferSize messages.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subscribers: make(map[string]map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream on topic. The initial messages are queued ahead of
// any later broadcast. The stream closes when ctx ends, cleanup runs, or the
// subscriber falls behind.
func (h *Hub) Subscribe(ctx context.Context, topic string, initial ...[]byte) (<-chan []byte, func()) {
	size := h.bufferSize
	if len(initial) > size {
		size = len(initial)
	}
	sub := &subscriber{
		id:     newSubscriberID(),
		stream: make(chan []byte, size),
	}
	for _, message := range initial {
		sub.stream <- message
	}

	h.mu.Lock()
	if _, ok := h.subscribers[topic]; !ok {
		h.subscribers[topic] = make(map[string]*subscriber)
	}
	h.subscribers[topic][sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.remove(topic, sub.id)
		})
	}
	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers payload to every subscriber of topic without blocking.
func (h *Hub) Publish(topic string, payload []byte) {
	if topic == "" || len(payload) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers[topic] {
		select {
		case sub.stream <- payload:
		default:
			h.removeLocked(topic, id)
		}
	}
}

// Count reports the number of live subscribers on topic.
func (h *Hub) Count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[topic])
}

func (h *Hub) remove(topic, id string) {
	h.mu.Lock()
	h.removeLocked(topic, id)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(topic, id string) {
	subscribers := h.subscribers[topic]
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	close(sub.stream)
	if len(subscribers) == 0 {
		delete(h.subscribers, topic)
	}
}

func newSubscriberID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
