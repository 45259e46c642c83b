package core

import (
	"strconv"
	"sync"
)

// DebugWriter is a function type for writing debug lines
type DebugWriter func(string)

// TimingEvent captures an event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	Clock     uint32 // System clock at event
	Value1    int64  // Context-dependent value
	Value2    int64  // Context-dependent value
}

const (
	TimingRingSize = 32 // Keep last 32 events for post-mortem
)

// EventRing keeps the most recent TimingRingSize events. Names maps event
// codes to labels for Dump.
type EventRing struct {
	mu    sync.Mutex
	ring  [TimingRingSize]TimingEvent
	head  uint8
	names map[uint8]string
}

// NewEventRing creates a ring with the given event labels
func NewEventRing(names map[uint8]string) *EventRing {
	return &EventRing{names: names}
}

// Record captures an event, overwriting the oldest
func (r *EventRing) Record(eventType uint8, clock uint32, value1, value2 int64) {
	r.mu.Lock()
	r.ring[r.head] = TimingEvent{
		EventType: eventType,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	r.head = (r.head + 1) % TimingRingSize
	r.mu.Unlock()
}

// Events returns recorded events from oldest to newest
func (r *EventRing) Events() []TimingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]TimingEvent, 0, TimingRingSize)
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := r.ring[(r.head+i)%TimingRingSize]
		if evt.EventType == 0 {
			continue // Empty slot
		}
		events = append(events, evt)
	}
	return events
}

// Dump writes the ring from oldest to newest
func (r *EventRing) Dump(w DebugWriter) {
	for _, evt := range r.Events() {
		name, ok := r.names[evt.EventType]
		if !ok {
			name = "UNKNOWN"
		}
		w(name +
			" clock=" + strconv.FormatUint(uint64(evt.Clock), 10) +
			" v1=" + strconv.FormatInt(evt.Value1, 10) +
			" v2=" + strconv.FormatInt(evt.Value2, 10))
	}
}

// Clear empties the ring
func (r *EventRing) Clear() {
	r.mu.Lock()
	r.ring = [TimingRingSize]TimingEvent{}
	r.head = 0
	r.mu.Unlock()
}
