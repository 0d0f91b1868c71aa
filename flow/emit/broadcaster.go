package emit

import (
	"log"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind starts losing events; the core never waits for it.
const subscriberBuffer = 64

// Subscription is one live listener on a channel. Receive events from C;
// call Cancel when done. C is closed after Cancel returns.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Broadcaster is the in-process pub/sub fabric: topic-per-channel,
// best-effort delivery, no back-pressure on publishers.
//
// Emitters attached via Attach see every event regardless of channel;
// subscribers see only their channel's events. Publish never blocks: a slow
// subscriber drops events rather than stalling the orchestrator.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[string]map[int64]chan Event
	emitters []Emitter
	nextID   int64

	dropped atomic.Int64
}

// NewBroadcaster builds an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string]map[int64]chan Event{}}
}

// Attach adds an emitter that receives every published event.
func (b *Broadcaster) Attach(e Emitter) {
	b.mu.Lock()
	b.emitters = append(b.emitters, e)
	b.mu.Unlock()
}

// Subscribe starts listening on a channel.
func (b *Broadcaster) Subscribe(channel string) *Subscription {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = map[int64]chan Event{}
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			if set := b.subs[channel]; set != nil {
				if _, ok := set[id]; ok {
					delete(set, id)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, channel)
				}
			}
			b.mu.Unlock()
		},
	}
}

// Publish fans the event out to attached emitters and to the channel's
// subscribers. Fire and forget: failures and slow consumers cost at most a
// log line.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	emitters := b.emitters
	var chans []chan Event
	for _, ch := range b.subs[event.Channel] {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, e := range emitters {
		b.safeEmit(e, event)
	}
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			log.Printf("emit: dropping %s event on %s: subscriber backlog full", event.Type, event.Channel)
		}
	}
}

// Emit satisfies Emitter so the broadcaster can sit directly behind the
// orchestrator.
func (b *Broadcaster) Emit(event Event) { b.Publish(event) }

// Dropped reports how many events were lost to slow subscribers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount reports the live subscriber count of one channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Broadcaster) safeEmit(e Emitter, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("emit: emitter panic swallowed: %v", r)
		}
	}()
	e.Emit(event)
}
