package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// WatcherState is one state of the per-account connection state machine.
type WatcherState string

const (
	StateDisconnected     WatcherState = "disconnected"
	StateConnecting       WatcherState = "connecting"
	StateWaiting          WatcherState = "waiting"
	StateDraining         WatcherState = "draining"
	StateReconnectPending WatcherState = "reconnect_pending"
)

const (
	// reconnectDelay is the fixed (deliberately not exponential) pause
	// before retrying a failed connection.
	reconnectDelay = 30 * time.Second

	// idleRecycleInterval proactively recycles the long-poll wait to
	// stay ahead of server-imposed idle timeouts.
	idleRecycleInterval = 15 * time.Minute

	// passTimeout bounds the local-store side of a sync pass or command.
	passTimeout = 60 * time.Second
)

// errStopped signals an orderly stop rather than a connection failure.
var errStopped = errors.New("watcher stopped")

// pendingCommand pairs a command with its caller's reply channel.
type pendingCommand struct {
	cmd   Command
	reply chan CommandResult
}

// AccountWatcher supervises one account: it owns the Session
// exclusively, runs the wait/notify loop, serializes all command
// execution, and manages reconnection. Only its own goroutine
// transitions the state machine; external interaction happens solely
// through the command queue.
type AccountWatcher struct {
	account model.Account
	store   store.Store
	engine  *SyncEngine
	dial    Dialer
	sink    EventSink
	log     zerolog.Logger

	cmdCh    chan *pendingCommand
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	state WatcherState
}

// NewAccountWatcher creates a watcher for one account. It does not
// connect until Start is called.
func NewAccountWatcher(
	account model.Account,
	st store.Store,
	eng *SyncEngine,
	dial Dialer,
	sink EventSink,
	log zerolog.Logger,
) *AccountWatcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &AccountWatcher{
		account: account,
		store:   st,
		engine:  eng,
		dial:    dial,
		sink:    sink,
		log:     log,
		cmdCh:   make(chan *pendingCommand, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		state:   StateDisconnected,
	}
}

// Start launches the watcher's connection loop.
func (w *AccountWatcher) Start() {
	go w.run()
}

// Stop interrupts any in-flight wait, closes the session, and
// suppresses further reconnect scheduling. It waits for the current
// drain unit to finish or fail before returning.
func (w *AccountWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// State returns the watcher's current state.
func (w *AccountWatcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connected reports whether the watcher currently holds a live session.
func (w *AccountWatcher) Connected() bool {
	st := w.State()
	return st == StateWaiting || st == StateDraining
}

// Submit queues a command on the watcher's serialized drain queue and
// waits for the result of that specific execution.
func (w *AccountWatcher) Submit(ctx context.Context, cmd Command) CommandResult {
	pc := &pendingCommand{cmd: cmd, reply: make(chan CommandResult, 1)}

	select {
	case w.cmdCh <- pc:
	case <-w.stopCh:
		return failure("not connected")
	case <-ctx.Done():
		return failure("canceled: %v", ctx.Err())
	}

	select {
	case res := <-pc.reply:
		return res
	case <-w.stopCh:
		return failure("watcher stopped")
	case <-ctx.Done():
		return failure("canceled: %v", ctx.Err())
	}
}

// setState records a state transition and announces it. Duplicate
// transitions are not re-announced.
func (w *AccountWatcher) setState(state WatcherState) {
	w.mu.Lock()
	changed := w.state != state
	w.state = state
	w.mu.Unlock()

	if changed {
		w.log.Debug().Str("state", string(state)).Msg("state transition")
		w.sink.ConnectionState(w.account.ID, state)
	}
}

// run is the connection loop: connect, serve until the connection
// breaks or a stop is requested, then schedule a reconnect. Connection
// failures are never fatal.
func (w *AccountWatcher) run() {
	defer close(w.doneCh)
	defer w.setState(StateDisconnected)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.setState(StateConnecting)
		sess, err := w.dial(w.account, w.log)
		if err != nil {
			w.log.Warn().Err(err).Msg("connection failed")
			if !w.waitReconnect() {
				return
			}
			continue
		}
		w.log.Info().Msg("connected")

		err = w.serve(sess)
		if closeErr := sess.Close(); closeErr != nil {
			w.log.Debug().Err(closeErr).Msg("closing session")
		}

		if errors.Is(err, errStopped) {
			return
		}
		w.log.Warn().Err(err).Msg("connection lost")
		if !w.waitReconnect() {
			return
		}
	}
}

// waitReconnect parks the watcher in ReconnectPending for the fixed
// delay. It returns false when a stop arrives first.
func (w *AccountWatcher) waitReconnect() bool {
	w.setState(StateReconnectPending)

	timer := time.NewTimer(reconnectDelay)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// serve runs the wait/drain loop over one live session. It returns
// errStopped on an orderly stop, or the transport error that broke the
// session.
func (w *AccountWatcher) serve(sess Session) error {
	// Reconcile immediately on connect; new mail may have arrived while
	// disconnected.
	w.setState(StateDraining)
	if err := w.runSyncPass(sess); err != nil {
		return err
	}

	for {
		w.setState(StateWaiting)

		// Drain queued commands before parking in the long-poll wait.
		select {
		case <-w.stopCh:
			return errStopped
		case pc := <-w.cmdCh:
			w.setState(StateDraining)
			if err := w.execute(sess, pc); err != nil {
				return err
			}
			continue
		default:
		}

		idle, err := sess.Idle()
		if err != nil {
			return fmt.Errorf("entering idle: %w", err)
		}

		recycle := time.NewTimer(idleRecycleInterval)
		stopIdle := func() error {
			recycle.Stop()
			if err := idle.Close(); err != nil {
				return fmt.Errorf("leaving idle: %w", err)
			}
			return idle.Wait()
		}

		select {
		case <-w.stopCh:
			_ = stopIdle()
			return errStopped

		case pc := <-w.cmdCh:
			if err := stopIdle(); err != nil {
				pc.reply <- failure("connection lost")
				return err
			}
			w.setState(StateDraining)
			if err := w.execute(sess, pc); err != nil {
				return err
			}

		case <-sess.Updates():
			if err := stopIdle(); err != nil {
				return err
			}
			w.setState(StateDraining)
			if err := w.runSyncPass(sess); err != nil {
				return err
			}

		case <-recycle.C:
			// Safety recycle: leave and re-enter the wait even with no
			// pending work, to stay ahead of server idle timeouts.
			if err := stopIdle(); err != nil {
				return err
			}
		}
	}
}

// runSyncPass executes one sync pass and announces its results.
func (w *AccountWatcher) runSyncPass(sess Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	result, err := w.engine.Run(ctx, sess, w.account.ID)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	w.announceSyncResult(result)
	return nil
}

// announceSyncResult publishes new-mail and progress events for a
// completed pass.
func (w *AccountWatcher) announceSyncResult(result SyncResult) {
	for _, rec := range result.New {
		w.sink.NewEmail(w.account.ID, rec)
	}
	w.sink.SyncProgress(w.account.ID, result.Synced, time.Now())

	if result.Synced > 0 {
		w.log.Info().Int("synced", result.Synced).Msg("sync pass stored new messages")
	}
}

// execute runs exactly one queued command and replies to its caller.
// The returned error is transport-level only; command-level failures
// are carried in the reply.
func (w *AccountWatcher) execute(sess Session, pc *pendingCommand) error {
	res, err := w.runCommand(sess, pc.cmd)
	pc.reply <- res
	return err
}

// runCommand executes a single point command against the session.
// Command failures (mailbox not found, operation rejected) are reported
// in the result and do not escalate to a reconnect.
func (w *AccountWatcher) runCommand(sess Session, cmd Command) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	switch cmd.Kind {
	case CommandSync:
		result, err := w.engine.Run(ctx, sess, w.account.ID)
		if err != nil {
			// A failed fetch here usually means the session is gone;
			// surface the failure to the caller and reconnect.
			return failure("sync failed: %v", err), fmt.Errorf("manual sync: %w", err)
		}
		w.announceSyncResult(result)
		return CommandResult{Success: true, Synced: result.Synced}, nil

	case CommandMarkSeen:
		return w.runMarkSeen(ctx, sess, cmd), nil

	case CommandArchive:
		return w.runArchive(ctx, sess, cmd), nil

	case CommandDelete:
		return w.runDelete(ctx, sess, cmd), nil

	case CommandFetchBody:
		return w.runFetchBody(ctx, sess, cmd), nil

	default:
		return failure("unknown command %q", cmd.Kind), nil
	}
}

// runMarkSeen toggles the seen flag remotely and mirrors it locally.
func (w *AccountWatcher) runMarkSeen(ctx context.Context, sess Session, cmd Command) CommandResult {
	rec, err := w.store.GetMessageByUID(ctx, w.account.ID, cmd.UID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure("message not found")
		}
		return failure("looking up message: %v", err)
	}

	if err := sess.SetFlags(cmd.UID, []string{model.FlagSeen}, cmd.Seen); err != nil {
		return failure("updating flags: %v", err)
	}

	flags := applyFlag(rec.Flags, model.FlagSeen, cmd.Seen)
	if err := w.store.SetMessageFlags(ctx, w.account.ID, cmd.UID, flags); err != nil {
		return failure("storing flags: %v", err)
	}

	return CommandResult{Success: true, Flags: flags}
}

// runArchive relocates a message into (or back out of) an archive
// mailbox.
func (w *AccountWatcher) runArchive(ctx context.Context, sess Session, cmd Command) CommandResult {
	rec, err := w.store.GetMessageByUID(ctx, w.account.ID, cmd.UID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure("message not found")
		}
		return failure("looking up message: %v", err)
	}

	if cmd.Archive {
		folder, err := sess.Archive(cmd.UID)
		if err != nil {
			return failure("archiving: %v", err)
		}
		return CommandResult{Success: true, Folder: folder}
	}

	folder, err := sess.Restore(rec.MessageID)
	if err != nil {
		return failure("restoring: %v", err)
	}
	return CommandResult{Success: true, Folder: folder}
}

// runDelete removes the message remotely and drops the local mirror.
// Repeating a delete reports a not-found failure.
func (w *AccountWatcher) runDelete(ctx context.Context, sess Session, cmd Command) CommandResult {
	if _, err := w.store.GetMessageByUID(ctx, w.account.ID, cmd.UID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure("message not found")
		}
		return failure("looking up message: %v", err)
	}

	if err := sess.Delete(cmd.UID); err != nil {
		return failure("deleting remote message: %v", err)
	}

	if err := w.store.DeleteMessage(ctx, w.account.ID, cmd.UID); err != nil {
		return failure("deleting local record: %v", err)
	}

	return CommandResult{Success: true}
}

// runFetchBody lazily populates the stored body for a message.
func (w *AccountWatcher) runFetchBody(ctx context.Context, sess Session, cmd Command) CommandResult {
	if _, err := w.store.GetMessageByUID(ctx, w.account.ID, cmd.UID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure("message not found")
		}
		return failure("looking up message: %v", err)
	}

	body, err := sess.FetchBody(cmd.UID)
	if err != nil {
		return failure("fetching body: %v", err)
	}

	if err := w.store.SetMessageBody(ctx, w.account.ID, cmd.UID, body.PreferredText()); err != nil {
		return failure("storing body: %v", err)
	}

	return CommandResult{Success: true}
}

// applyFlag adds or removes a flag from a flag set without duplicates.
func applyFlag(flags []string, flag string, present bool) []string {
	out := make([]string, 0, len(flags)+1)
	for _, f := range flags {
		if f != flag {
			out = append(out, f)
		}
	}
	if present {
		out = append(out, flag)
	}
	return out
}
