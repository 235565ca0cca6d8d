package push

import (
	"sync"

	"github.com/rs/zerolog"
)

// conn is the slice of a websocket connection the broadcaster needs.
type conn interface {
	WriteJSON(v any) error
	Close() error
}

// Subscriber is one attached push client. Writes go through a buffered
// channel drained by a dedicated pump goroutine so a slow client never
// blocks the engine.
type Subscriber struct {
	b    *Broadcaster
	conn conn
	log  zerolog.Logger

	send chan Event
	done chan struct{}
	once sync.Once
}

// Send queues an event for delivery. Delivery is best effort: when the
// subscriber's buffer is full the event is dropped.
func (s *Subscriber) Send(ev Event) {
	select {
	case s.send <- ev:
	case <-s.done:
	default:
		s.log.Debug().Str("type", string(ev.Type)).Msg("subscriber buffer full, dropping event")
	}
}

func (s *Subscriber) writePump() {
	for {
		select {
		case ev := <-s.send:
			if err := s.conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("push write failed")
				s.b.Unsubscribe(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Broadcaster fans engine events out to every attached subscriber.
type Broadcaster struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

const subscriberBuffer = 32

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe attaches a connection and starts its write pump.
func (b *Broadcaster) Subscribe(c conn) *Subscriber {
	s := &Subscriber{
		b:    b,
		conn: c,
		log:  b.log,
		send: make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.writePump()
	return s
}

// Unsubscribe detaches a subscriber and closes its connection. Safe to
// call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Publish delivers an event to every attached subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.Send(ev)
	}
}

// Count reports the number of attached subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.Unsubscribe(s)
	}
}
