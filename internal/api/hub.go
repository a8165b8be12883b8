package api

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/camera"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
)

// subscriberBuffer is how many events a slow websocket client may lag
// behind before events to it are dropped.
const subscriberBuffer = 32

// StorageEvent is published when there is not enough room to record.
type StorageEvent struct {
	Type     string    `json:"type"`
	Dir      string    `json:"dir"`
	Free     uint64    `json:"free"`
	Required uint64    `json:"required"`
	Time     time.Time `json:"time"`
}

// Hub fans events out to websocket clients.
type Hub struct {
	mu   sync.Mutex
	subs map[chan interface{}]struct{}
}

var _ storage.Notifier = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan interface{}]struct{})}
}

// Subscribe returns a channel of future events.
func (h *Hub) Subscribe() chan interface{} {
	ch := make(chan interface{}, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes ch.
func (h *Hub) Unsubscribe(ch chan interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Publish sends ev to every subscriber without blocking.
func (h *Hub) Publish(ev interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.WithComponent("api").Debug().Msg("Dropping event for slow client")
		}
	}
}

// PublishCamera forwards camera session events.
func (h *Hub) PublishCamera(e camera.Event) {
	h.Publish(e)
}

// InsufficientStorage implements storage.Notifier.
func (h *Hub) InsufficientStorage(dir string, free, required uint64) {
	h.Publish(StorageEvent{
		Type:     "storage",
		Dir:      dir,
		Free:     free,
		Required: required,
		Time:     time.Now(),
	})
}
