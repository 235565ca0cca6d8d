package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailmirror/internal/store"
)

// Supervisor is the process-wide bootstrap: it loads all accounts,
// spawns one AccountWatcher each, and coordinates shutdown. Watcher
// lifecycles are fully independent; one account's repeated connection
// failures never block another's.
type Supervisor struct {
	store          store.Store
	dispatcher     *Dispatcher
	sink           EventSink
	dial           Dialer
	bootstrapLimit int
	log            zerolog.Logger

	mu       sync.Mutex
	watchers []*AccountWatcher
}

// NewSupervisor wires a supervisor. A nil dial falls back to the
// production IMAP dialer.
func NewSupervisor(
	st store.Store,
	dispatcher *Dispatcher,
	sink EventSink,
	dial Dialer,
	bootstrapLimit int,
	log zerolog.Logger,
) *Supervisor {
	if dial == nil {
		dial = DialIMAP
	}
	return &Supervisor{
		store:          st,
		dispatcher:     dispatcher,
		sink:           sink,
		dial:           dial,
		bootstrapLimit: bootstrapLimit,
		log:            log,
	}
}

// Start loads the account list and starts one watcher per account.
// Failing to load the account list is fatal: no watcher can run
// without it.
func (s *Supervisor) Start(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("loading account list: %w", err)
	}

	eng := NewSyncEngine(s.store, s.bootstrapLimit, s.log)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range accounts {
		log := s.log.With().
			Str("account", acc.ID).
			Str("user", acc.Username).
			Logger()

		w := NewAccountWatcher(acc, s.store, eng, s.dial, s.sink, log)
		s.dispatcher.Register(w)
		w.Start()
		s.watchers = append(s.watchers, w)
	}

	s.log.Info().Int("accounts", len(accounts)).Msg("supervisor started")
	return nil
}

// Stop halts all watchers concurrently and waits for each to finish
// its in-flight drain unit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	watchers := make([]*AccountWatcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.watchers = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range watchers {
		g.Go(func() error {
			w.Stop()
			s.dispatcher.Unregister(w.account.ID)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().Msg("supervisor stopped")
}
