package push

import (
	"fmt"
	"time"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
)

// EventType discriminates outbound push events.
type EventType string

const (
	EventSyncResult      EventType = "sync_result"
	EventMarkSeenResult  EventType = "markSeen_result"
	EventArchiveResult   EventType = "archive_result"
	EventDeleteResult    EventType = "delete_result"
	EventFetchBodyResult EventType = "fetchBody_result"
	EventNewEmail        EventType = "new_email"
	EventSyncProgress    EventType = "sync_progress"
	EventConnectionState EventType = "connection_state"
)

// EmailSummary is the compact new-mail payload pushed to subscribers.
type EmailSummary struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// Event is the discriminated wire shape sent to every attached
// subscriber. Fields beyond Type and AccountID are populated per type.
type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"accountId"`

	UID     uint32 `json:"uid,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Synced  *int   `json:"synced,omitempty"`

	Email *EmailSummary `json:"email,omitempty"`

	SyncedCount  *int       `json:"syncedCount,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`

	State string `json:"state,omitempty"`
}

// NewEmailEvent builds a new_email event for a freshly synced message.
func NewEmailEvent(accountID string, msg model.MessageRecord) Event {
	return Event{
		Type:      EventNewEmail,
		AccountID: accountID,
		Email: &EmailSummary{
			ID:      msg.ProviderKey,
			From:    msg.Sender,
			Subject: msg.Subject,
			Date:    msg.Date,
		},
	}
}

// SyncProgressEvent builds a sync_progress event.
func SyncProgressEvent(accountID string, syncedCount int, lastSyncedAt time.Time) Event {
	return Event{
		Type:         EventSyncProgress,
		AccountID:    accountID,
		SyncedCount:  &syncedCount,
		LastSyncedAt: &lastSyncedAt,
	}
}

// ConnectionStateEvent builds a connection_state event.
func ConnectionStateEvent(accountID string, state engine.WatcherState) Event {
	return Event{
		Type:      EventConnectionState,
		AccountID: accountID,
		State:     string(state),
	}
}

// ResultEvent maps a command execution outcome onto its result event.
func ResultEvent(kind engine.CommandKind, accountID string, uid uint32, res engine.CommandResult) Event {
	ev := Event{
		AccountID: accountID,
		Success:   &res.Success,
		Error:     res.Error,
	}

	switch kind {
	case engine.CommandSync:
		ev.Type = EventSyncResult
		if res.Success {
			ev.Synced = &res.Synced
		}
	case engine.CommandMarkSeen:
		ev.Type = EventMarkSeenResult
		ev.UID = uid
	case engine.CommandArchive:
		ev.Type = EventArchiveResult
		ev.UID = uid
	case engine.CommandDelete:
		ev.Type = EventDeleteResult
		ev.UID = uid
	case engine.CommandFetchBody:
		ev.Type = EventFetchBodyResult
		ev.UID = uid
	}

	return ev
}

// InboundCommand is the wire shape subscribers submit over the push
// channel.
type InboundCommand struct {
	Type      string `json:"type"`
	AccountID string `json:"accountId"`
	UID       uint32 `json:"uid,omitempty"`
	Archive   bool   `json:"archive,omitempty"`
}

// ToCommand maps the wire shape onto an engine command.
func (c InboundCommand) ToCommand() (engine.Command, error) {
	cmd := engine.Command{AccountID: c.AccountID, UID: c.UID}

	switch c.Type {
	case "sync":
		cmd.Kind = engine.CommandSync
	case "markSeen":
		cmd.Kind = engine.CommandMarkSeen
		cmd.Seen = true
	case "markUnseen":
		cmd.Kind = engine.CommandMarkSeen
		cmd.Seen = false
	case "archive":
		cmd.Kind = engine.CommandArchive
		cmd.Archive = c.Archive
	case "delete":
		cmd.Kind = engine.CommandDelete
	case "fetchBody":
		cmd.Kind = engine.CommandFetchBody
	default:
		return engine.Command{}, fmt.Errorf("unknown command type %q", c.Type)
	}

	return cmd, nil
}
