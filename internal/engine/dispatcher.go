package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher routes externally issued point commands to the owning
// AccountWatcher and returns structured results. A command for an
// unknown or disconnected account yields a failure result; it is never
// dropped and never panics.
type Dispatcher struct {
	log zerolog.Logger

	mu       sync.RWMutex
	watchers map[string]*AccountWatcher
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		watchers: make(map[string]*AccountWatcher),
	}
}

// Register adds a watcher to the routing table.
func (d *Dispatcher) Register(w *AccountWatcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers[w.account.ID] = w
}

// Unregister removes an account from the routing table.
func (d *Dispatcher) Unregister(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watchers, accountID)
}

// Watcher returns the watcher for an account, if any.
func (d *Dispatcher) Watcher(accountID string) (*AccountWatcher, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.watchers[accountID]
	return w, ok
}

// Dispatch routes the command to its account's watcher and waits for
// the result of that specific execution.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) CommandResult {
	w, ok := d.Watcher(cmd.AccountID)
	if !ok || !w.Connected() {
		d.log.Debug().
			Str("account", cmd.AccountID).
			Str("command", string(cmd.Kind)).
			Msg("command for unavailable account")
		return failure("not connected")
	}

	return w.Submit(ctx, cmd)
}
