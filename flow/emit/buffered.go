package emit

import "sync"

// BufferedEmitter stores every event in memory, organised by channel.
//
// Intended for tests and post-run inspection; production deployments with
// high event volume should prefer a streaming backend, since nothing here
// is ever evicted automatically.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows a History query. Empty fields match everything;
// set fields combine with AND.
type HistoryFilter struct {
	Type string
}

// NewBufferedEmitter returns an empty buffer. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its channel's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Channel] = append(b.events[event.Channel], event)
}

// History returns the events of one channel in emission order. The returned
// slice is a copy.
func (b *BufferedEmitter) History(channel string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[channel]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the matching events of one channel.
func (b *BufferedEmitter) HistoryWithFilter(channel string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := []Event{}
	for _, event := range b.events[channel] {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the history of one channel, or everything when channel is
// empty.
func (b *BufferedEmitter) Clear(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, channel)
}
