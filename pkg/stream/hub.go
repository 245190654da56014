package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the hub.
const (
	EventCallRecorded   = "call_recorded"
	EventBreakerChanged = "breaker_changed"
	EventAdvisoryIssued = "advisory_issued"
	EventReady          = "ready"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// CallRecordedPayload is the streamed view of a ledger append. Digests only:
// raw arguments and responses never leave the process boundary.
type CallRecordedPayload struct {
	CallID         string `json:"call_id"`
	Endpoint       string `json:"endpoint"`
	Status         string `json:"status"`
	ArgsDigest     string `json:"args_digest"`
	ResponseDigest string `json:"response_digest"`
}

func CallRecorded(p CallRecordedPayload) Event {
	return NewEvent(EventCallRecorded, p)
}

// BreakerChangedPayload announces a circuit state transition.
type BreakerChangedPayload struct {
	Dependency          string `json:"dependency"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func BreakerChanged(p BreakerChangedPayload) Event {
	return NewEvent(EventBreakerChanged, p)
}

// AdvisoryIssuedPayload summarizes a completed advise request.
type AdvisoryIssuedPayload struct {
	RequestID     string `json:"request_id"`
	ActionCount   int    `json:"action_count"`
	RejectedCount int    `json:"rejected_count"`
	ChainComplete bool   `json:"chain_complete"`
}

func AdvisoryIssued(p AdvisoryIssuedPayload) Event {
	return NewEvent(EventAdvisoryIssued, p)
}

// Hub fans events out to subscribers. Publish never blocks: slow subscribers
// drop events rather than stalling the audit path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
