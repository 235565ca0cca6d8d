package engine

import (
	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/imapx"
	"github.com/nhle/mailmirror/internal/model"
)

// Session is the engine's view of one account's mail-server session.
// Implementations are not reentrant; the owning AccountWatcher issues
// at most one operation at a time.
type Session interface {
	// Updates is signaled when the server reports new messages while idle.
	Updates() <-chan imapx.MailboxUpdate

	// MessageCount returns the last-known message count of the watched
	// mailbox.
	MessageCount() uint32

	// Idle parks the session in a long-poll wait.
	Idle() (imapx.IdleHandle, error)

	// FetchWindow fetches envelope metadata for the most recent limit
	// messages (bootstrap).
	FetchWindow(limit int) ([]imapx.Envelope, error)

	// FetchSince fetches envelope metadata for UIDs strictly above hwm
	// (incremental).
	FetchSince(hwm uint32) ([]imapx.Envelope, error)

	// FetchBody retrieves and parses the full message source for uid.
	FetchBody(uid uint32) (imapx.ParsedBody, error)

	// SetFlags adds or removes flags on a message by UID.
	SetFlags(uid uint32, flags []string, add bool) error

	// Archive relocates the message into an archive mailbox and returns
	// the folder used.
	Archive(uid uint32) (string, error)

	// Restore moves the message identified by Message-ID back into the
	// watched mailbox and returns the folder it was found in.
	Restore(messageID string) (string, error)

	// Delete marks the message deleted and expunges it permanently.
	Delete(uid uint32) error

	Close() error
}

// Dialer opens a new authenticated Session for an account.
type Dialer func(account model.Account, log zerolog.Logger) (Session, error)

// DialIMAP is the production Dialer backed by imapx.
func DialIMAP(account model.Account, log zerolog.Logger) (Session, error) {
	return imapx.Dial(account, log)
}
