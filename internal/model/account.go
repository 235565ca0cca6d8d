package model

import (
	"net"
	"strconv"
	"time"
)

// Account holds the identity and connection parameters for one mailbox.
// The engine treats accounts as read-only; only the seed path writes them.
type Account struct {
	// ID is the unique identifier for this account.
	ID string

	// Name is the user-defined label for this account.
	Name string

	// Host and Port locate the IMAP server.
	Host string
	Port int

	// Username and Password authenticate the IMAP session. When Password
	// is empty and PasswordKey is set, the password is resolved from the
	// system keyring under that key.
	Username    string
	Password    string
	PasswordKey string

	// TLS selects implicit TLS; otherwise STARTTLS is attempted.
	TLS bool

	// Mailbox is the single watched mailbox, normally INBOX.
	Mailbox string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Addr returns the host:port dial address for the account's IMAP server.
func (a Account) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WatchedMailbox returns the configured mailbox, defaulting to INBOX.
func (a Account) WatchedMailbox() string {
	if a.Mailbox == "" {
		return "INBOX"
	}
	return a.Mailbox
}
