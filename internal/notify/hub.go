package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

// DefaultBufferSize is the per-subscriber capacity used when none is given.
const DefaultBufferSize = 64

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("notify: hub closed")

// Hub fans events out to subscribers of a conversation. Each subscriber has
// a bounded buffer; when it is full the oldest event is dropped so a slow
// reader never blocks publishers.
type Hub struct {
	bufferSize int
	metrics    *observability.Metrics

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a Hub. A non-positive bufferSize uses DefaultBufferSize.
func NewHub(bufferSize int, metrics *observability.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		metrics:    metrics,
		subs:       make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription receives the events of one conversation.
type Subscription struct {
	hub            *Hub
	conversationID string
	ch             chan domain.ProgressEvent

	// sendMu makes drop-oldest and send atomic per subscriber.
	sendMu  sync.Mutex
	once    sync.Once
	dropped int
}

// Events returns the event channel. It is closed when the subscription or
// the hub is closed.
func (s *Subscription) Events() <-chan domain.ProgressEvent { return s.ch }

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Dropped returns how many events were discarded on overflow.
func (s *Subscription) Dropped() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe registers a subscriber for conversationID.
func (h *Hub) Subscribe(conversationID string) (*Subscription, error) {
	if conversationID == "" {
		return nil, domain.NewValidationError("conversation_id", "is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscription{
		hub:            h,
		conversationID: conversationID,
		ch:             make(chan domain.ProgressEvent, h.bufferSize),
	}
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of subscribers of conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Name implements Sink.
func (h *Hub) Name() string { return "hub" }

// Send implements Sink by delivering ev to the conversation's subscribers.
func (h *Hub) Send(_ context.Context, ev domain.ProgressEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for sub := range h.subs[ev.ConversationID] {
		if sub.deliver(ev) {
			h.metrics.RecordNotificationDropped()
		}
	}
	return nil
}

// Close closes every subscription. Later sends and subscribes fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for conv, set := range h.subs {
		for sub := range set {
			sub.closeChannel()
		}
		delete(h.subs, conv)
	}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.conversationID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.conversationID)
	}
	s.closeChannel()
}

// deliver enqueues ev, evicting the oldest buffered event if needed. It
// reports whether an event was dropped. Callers hold the hub read lock, so
// the channel cannot be closed concurrently.
func (s *Subscription) deliver(ev domain.ProgressEvent) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- ev:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.dropped++

	select {
	case s.ch <- ev:
	default:
	}
	return true
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
