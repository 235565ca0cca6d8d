package store

import (
	"context"

	"github.com/nhle/mailmirror/internal/model"
)

// Store defines the persistence interface shared by the sync engine and
// the CRUD layer. Writes are idempotent; independent accounts may write
// concurrently.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, acc model.Account) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)

	// === Messages ===

	// FindHighWaterMark returns the maximum UID stored for the account.
	// ok is false when the account has no records yet.
	FindHighWaterMark(ctx context.Context, accountID string) (uid uint32, ok bool, err error)

	// UpsertMessage creates the record on first sight with full metadata;
	// on conflict it updates only the mutable fields (uid, flags,
	// synced_at). It reports whether a new record was created.
	UpsertMessage(ctx context.Context, msg model.MessageRecord) (created bool, err error)

	GetMessageByUID(ctx context.Context, accountID string, uid uint32) (*model.MessageRecord, error)
	ListMessages(ctx context.Context, accountID string, limit int) ([]model.MessageRecord, error)
	SetMessageFlags(ctx context.Context, accountID string, uid uint32, flags []string) error
	SetMessageBody(ctx context.Context, accountID string, uid uint32, body string) error
	DeleteMessage(ctx context.Context, accountID string, uid uint32) error

	Close() error
}
