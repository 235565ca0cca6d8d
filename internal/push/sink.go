package push

import (
	"time"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
)

// Sink adapts the broadcaster to the engine's event interface.
type Sink struct {
	b *Broadcaster
}

var _ engine.EventSink = (*Sink)(nil)

// NewSink wraps a broadcaster as an engine event sink.
func NewSink(b *Broadcaster) *Sink {
	return &Sink{b: b}
}

func (s *Sink) ConnectionState(accountID string, state engine.WatcherState) {
	s.b.Publish(ConnectionStateEvent(accountID, state))
}

func (s *Sink) NewEmail(accountID string, msg model.MessageRecord) {
	s.b.Publish(NewEmailEvent(accountID, msg))
}

func (s *Sink) SyncProgress(accountID string, syncedCount int, lastSyncedAt time.Time) {
	s.b.Publish(SyncProgressEvent(accountID, syncedCount, lastSyncedAt))
}
