package engine

import (
	"time"

	"github.com/nhle/mailmirror/internal/model"
)

// EventSink receives engine-side state changes for fan-out to push
// subscribers. Implementations must not block.
type EventSink interface {
	// ConnectionState is called on every watcher state transition.
	ConnectionState(accountID string, state WatcherState)

	// NewEmail is called for each newly synced message.
	NewEmail(accountID string, msg model.MessageRecord)

	// SyncProgress is called after each successful sync pass.
	SyncProgress(accountID string, syncedCount int, lastSyncedAt time.Time)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ConnectionState(string, WatcherState)         {}
func (NopSink) NewEmail(string, model.MessageRecord)         {}
func (NopSink) SyncProgress(string, int, time.Time)          {}
