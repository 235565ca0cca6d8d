package model

import (
	"fmt"
	"time"
)

// Well-known IMAP flags as stored locally.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDeleted = `\Deleted`
)

// MessageRecord is the local mirror of one remote message. The pair
// (AccountID, ProviderKey) is unique per account; UID is monotonically
// non-decreasing across everything ever synced for an account.
type MessageRecord struct {
	ID        string
	AccountID string

	// ProviderKey is the stable per-account key derived from the UID.
	ProviderKey string

	// UID is the remote sequence identifier within the watched mailbox.
	UID uint32

	// MessageID is the RFC 5322 Message-ID header, used to relocate the
	// message across mailboxes where UIDs do not carry over.
	MessageID string

	Subject   string
	Sender    string
	Recipient string
	Date      time.Time

	// Flags reflect the remote state as of the last reconciliation.
	Flags []string

	// Body is lazily populated by the on-demand fetch path; sync passes
	// never write it.
	Body *string

	SyncedAt time.Time
}

// ProviderKey derives the stable local key for a remote UID.
func ProviderKey(uid uint32) string {
	return fmt.Sprintf("uid:%d", uid)
}

// HasFlag reports whether the record's flag set contains flag.
func (m MessageRecord) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
