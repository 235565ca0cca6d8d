package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailmirror/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Per-account watchers write concurrently; wait out short lock
	// contention instead of failing.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account row.
// If the account has no ID, a new UUID is generated.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acc model.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, name, host, port, username, password, password_key,
			tls, mailbox, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			password_key = excluded.password_key,
			tls = excluded.tls,
			mailbox = excluded.mailbox,
			updated_at = excluded.updated_at`,
		acc.ID, acc.Name, acc.Host, acc.Port, acc.Username,
		acc.Password, acc.PasswordKey, boolToInt(acc.TLS),
		acc.WatchedMailbox(), acc.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acc.ID, err)
	}

	return nil
}

// ListAccounts retrieves all configured accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// GetAccountByID retrieves a single account by its ID.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}

	acc, err := scanAccount(rows)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindHighWaterMark returns the maximum UID stored for the account, or
// ok=false when no records exist yet.
func (s *SQLiteStore) FindHighWaterMark(ctx context.Context, accountID string) (uint32, bool, error) {
	var uid sql.NullInt64
	err := s.db.GetContext(ctx, &uid,
		"SELECT MAX(uid) FROM messages WHERE account_id = ?", accountID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("finding high-water mark for %s: %w", accountID, err)
	}
	if !uid.Valid {
		return 0, false, nil
	}
	return uint32(uid.Int64), true, nil
}

// UpsertMessage creates the record on first sight with full metadata.
// On conflict only the mutable fields (uid, flags, synced_at) are
// updated; subject, sender, recipient, and date are immutable once
// recorded, and body is never written by sync.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg model.MessageRecord) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ProviderKey == "" {
		msg.ProviderKey = model.ProviderKey(msg.UID)
	}
	if msg.SyncedAt.IsZero() {
		msg.SyncedAt = time.Now()
	}

	flags, err := json.Marshal(msg.Flags)
	if err != nil {
		return false, fmt.Errorf("marshaling flags for %s: %w", msg.ProviderKey, err)
	}

	var existing int
	err = s.db.GetContext(ctx, &existing,
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND provider_key = ?",
		msg.AccountID, msg.ProviderKey,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", msg.ProviderKey, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, provider_key, uid, message_id,
			subject, sender, recipient, date, flags, body, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(account_id, provider_key) DO UPDATE SET
			uid = excluded.uid,
			flags = excluded.flags,
			synced_at = excluded.synced_at`,
		msg.ID, msg.AccountID, msg.ProviderKey, msg.UID, msg.MessageID,
		msg.Subject, msg.Sender, msg.Recipient, msg.Date.UTC(),
		string(flags), msg.SyncedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upserting message %s: %w", msg.ProviderKey, err)
	}

	return existing == 0, nil
}

// GetMessageByUID retrieves a single message by account and UID.
func (s *SQLiteStore) GetMessageByUID(ctx context.Context, accountID string, uid uint32) (*model.MessageRecord, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM messages WHERE account_id = ? AND uid = ?",
		accountID, uid,
	)
	if err != nil {
		return nil, fmt.Errorf("querying message uid %d: %w", uid, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}

	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages retrieves messages for an account ordered by UID
// descending, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, accountID string, limit int) ([]model.MessageRecord, error) {
	query := "SELECT * FROM messages WHERE account_id = ? ORDER BY uid DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.MessageRecord
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// SetMessageFlags replaces the flag set of a message.
func (s *SQLiteStore) SetMessageFlags(ctx context.Context, accountID string, uid uint32, flags []string) error {
	if flags == nil {
		flags = []string{}
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET flags = ?, synced_at = ? WHERE account_id = ? AND uid = ?",
		string(data), time.Now().UTC(), accountID, uid,
	)
	if err != nil {
		return fmt.Errorf("updating flags for uid %d: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageBody stores the lazily fetched body for a message.
func (s *SQLiteStore) SetMessageBody(ctx context.Context, accountID string, uid uint32, body string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = ? WHERE account_id = ? AND uid = ?",
		body, accountID, uid,
	)
	if err != nil {
		return fmt.Errorf("updating body for uid %d: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes the local mirror of a message.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, accountID string, uid uint32) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND uid = ?",
		accountID, uid,
	)
	if err != nil {
		return fmt.Errorf("deleting message uid %d: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAccount scans an account row from a sqlx.Rows result set.
func scanAccount(rows *sqlx.Rows) (model.Account, error) {
	var (
		acc       model.Account
		tls       int
		createdAt time.Time
		updatedAt time.Time
	)

	err := rows.Scan(
		&acc.ID, &acc.Name, &acc.Host, &acc.Port, &acc.Username,
		&acc.Password, &acc.PasswordKey, &tls, &acc.Mailbox,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	acc.TLS = tls != 0
	acc.CreatedAt = createdAt
	acc.UpdatedAt = updatedAt

	return acc, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.MessageRecord, error) {
	var (
		msg      model.MessageRecord
		flags    string
		body     sql.NullString
		date     time.Time
		syncedAt time.Time
	)

	err := rows.Scan(
		&msg.ID, &msg.AccountID, &msg.ProviderKey, &msg.UID,
		&msg.MessageID, &msg.Subject, &msg.Sender, &msg.Recipient,
		&date, &flags, &body, &syncedAt,
	)
	if err != nil {
		return model.MessageRecord{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Date = date
	msg.SyncedAt = syncedAt

	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &msg.Flags); err != nil {
			return model.MessageRecord{}, fmt.Errorf("unmarshaling flags: %w", err)
		}
	}
	if body.Valid {
		msg.Body = &body.String
	}

	return msg, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
