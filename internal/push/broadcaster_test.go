package push

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailmirror/internal/engine"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
	err    error
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, v.(Event))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBroadcasterFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	c1, c2 := &fakeConn{}, &fakeConn{}
	b.Subscribe(c1)
	b.Subscribe(c2)
	require.Equal(t, 2, b.Count())

	b.Publish(ConnectionStateEvent("acc-1", engine.StateWaiting))

	for _, c := range []*fakeConn{c1, c2} {
		require.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, 5*time.Millisecond)
		ev := c.received()[0]
		assert.Equal(t, EventConnectionState, ev.Type)
		assert.Equal(t, "acc-1", ev.AccountID)
		assert.Equal(t, "waiting", ev.State)
	}
}

func TestUnsubscribeStopsDeliveryAndClosesConn(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	c := &fakeConn{}
	s := b.Subscribe(c)

	b.Unsubscribe(s)
	assert.Zero(t, b.Count())

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	assert.True(t, closed)

	// Publishing after unsubscribe must neither panic nor deliver.
	b.Publish(ConnectionStateEvent("acc-1", engine.StateWaiting))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.received())

	// Unsubscribe is safe to repeat.
	b.Unsubscribe(s)
}

func TestFailingWriterIsDetached(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	c := &fakeConn{err: errors.New("broken pipe")}
	b.Subscribe(c)

	b.Publish(ConnectionStateEvent("acc-1", engine.StateWaiting))

	require.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseDetachesEverySubscriber(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	for i := 0; i < 3; i++ {
		b.Subscribe(&fakeConn{})
	}
	require.Equal(t, 3, b.Count())

	b.Close()
	assert.Zero(t, b.Count())
}
