package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/imapx"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// DefaultBootstrapLimit bounds the first-ever sync for an account to
// the most recent N messages.
const DefaultBootstrapLimit = 50

// SyncResult reports the outcome of one sync pass. Zero new messages is
// a valid, non-error outcome.
type SyncResult struct {
	// Synced is the count of newly created records.
	Synced int

	// New holds the newly created records, in fetch order.
	New []model.MessageRecord
}

// SyncEngine performs bootstrap or incremental synchronization of one
// account's watched mailbox into the local store.
type SyncEngine struct {
	store          store.Store
	bootstrapLimit int
	log            zerolog.Logger
}

// NewSyncEngine creates a SyncEngine writing to the given store.
func NewSyncEngine(s store.Store, bootstrapLimit int, log zerolog.Logger) *SyncEngine {
	if bootstrapLimit <= 0 {
		bootstrapLimit = DefaultBootstrapLimit
	}
	return &SyncEngine{
		store:          s,
		bootstrapLimit: bootstrapLimit,
		log:            log,
	}
}

// Run performs one sync pass against the given session. The mode is
// chosen by the presence of prior local state: bootstrap fetches a
// bounded window from the end of the mailbox; incremental fetches the
// half-open UID range above the high-water mark observed at pass start.
// Records at or below that mark are skipped even if re-delivered.
func (e *SyncEngine) Run(ctx context.Context, sess Session, accountID string) (SyncResult, error) {
	hwm, hasPrior, err := e.store.FindHighWaterMark(ctx, accountID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("reading high-water mark: %w", err)
	}

	var envelopes []imapx.Envelope
	if hasPrior {
		envelopes, err = sess.FetchSince(hwm)
	} else {
		envelopes, err = sess.FetchWindow(e.bootstrapLimit)
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetching envelopes: %w", err)
	}

	var result SyncResult
	now := time.Now()
	for _, env := range envelopes {
		// Servers may echo the boundary message back for an open-ended
		// UID range; anything at or below the pass-start mark is stale.
		if hasPrior && env.UID <= hwm {
			continue
		}

		rec := recordFromEnvelope(accountID, env, now)
		created, err := e.store.UpsertMessage(ctx, rec)
		if err != nil {
			e.log.Warn().Err(err).Uint32("uid", env.UID).Msg("skipping message that failed to upsert")
			continue
		}
		if created {
			result.Synced++
			result.New = append(result.New, rec)
		}
	}

	return result, nil
}

// recordFromEnvelope maps a fetched envelope to its local mirror record.
func recordFromEnvelope(accountID string, env imapx.Envelope, syncedAt time.Time) model.MessageRecord {
	recipient := ""
	if len(env.To) > 0 {
		recipient = env.To[0]
	}

	return model.MessageRecord{
		AccountID:   accountID,
		ProviderKey: model.ProviderKey(env.UID),
		UID:         env.UID,
		MessageID:   env.MessageID,
		Subject:     env.Subject,
		Sender:      env.From,
		Recipient:   recipient,
		Date:        env.Date,
		Flags:       env.Flags,
		SyncedAt:    syncedAt,
	}
}
