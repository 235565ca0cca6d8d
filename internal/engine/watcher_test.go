package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/imapx"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/tests/testutil"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// startWatcher spins up a watcher over the fake session and waits for
// it to come up connected.
func startWatcher(t *testing.T, sess *fakeSession) (*engine.AccountWatcher, *store.SQLiteStore, *recordSink) {
	t.Helper()

	st := testutil.NewTestStore(t)
	seedTestAccount(t, st)

	sink := &recordSink{}
	eng := engine.NewSyncEngine(st, 50, zerolog.Nop())
	dial := func(model.Account, zerolog.Logger) (engine.Session, error) { return sess, nil }

	acc := model.Account{ID: testAccountID, Host: "imap.example.com", Port: 993, Username: "me@example.com"}
	w := engine.NewAccountWatcher(acc, st, eng, dial, sink, zerolog.Nop())
	w.Start()
	t.Cleanup(w.Stop)

	require.Eventually(t, w.Connected, waitFor, tick, "watcher never connected")
	return w, st, sink
}

func TestWatcherBootstrapsOnConnect(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(10, 1)

	_, st, sink := startWatcher(t, sess)

	require.Eventually(t, func() bool {
		hwm, ok, err := st.FindHighWaterMark(context.Background(), testAccountID)
		return err == nil && ok && hwm == 10
	}, waitFor, tick)

	states := sink.States()
	assert.Contains(t, states, engine.StateConnecting)
	assert.Contains(t, states, engine.StateDraining)
	assert.Contains(t, states, engine.StateWaiting)
}

func TestWatcherSyncsOnServerSignal(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(5, 1)

	_, st, sink := startWatcher(t, sess)

	sess.addMessages(2, 6)
	sess.notify()

	require.Eventually(t, func() bool {
		hwm, ok, err := st.FindHighWaterMark(context.Background(), testAccountID)
		return err == nil && ok && hwm == 7
	}, waitFor, tick)

	require.Eventually(t, func() bool { return sink.NewMailCount() >= 7 }, waitFor, tick)
}

func TestWatcherCommandRoundTrip(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(3, 1)
	sess.mu.Lock()
	sess.bodies[2] = imapx.ParsedBody{TextBody: "plain body"}
	sess.mu.Unlock()

	w, st, _ := startWatcher(t, sess)
	ctx := context.Background()

	waitForUID(t, st, 3)

	res := w.Submit(ctx, engine.Command{Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: 2, Seen: true})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Flags, model.FlagSeen)

	res = w.Submit(ctx, engine.Command{Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: 2, Seen: false})
	require.True(t, res.Success, res.Error)
	assert.NotContains(t, res.Flags, model.FlagSeen)

	res = w.Submit(ctx, engine.Command{Kind: engine.CommandFetchBody, AccountID: testAccountID, UID: 2})
	require.True(t, res.Success, res.Error)
	rec, err := st.GetMessageByUID(ctx, testAccountID, 2)
	require.NoError(t, err)
	require.NotNil(t, rec.Body)
	assert.Equal(t, "plain body", *rec.Body)
}

func TestWatcherArchiveAndRestore(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(3, 1)

	w, st, _ := startWatcher(t, sess)
	ctx := context.Background()

	waitForUID(t, st, 3)

	res := w.Submit(ctx, engine.Command{Kind: engine.CommandArchive, AccountID: testAccountID, UID: 2, Archive: true})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Archive", res.Folder)

	// The local mirror survives an archive; only the remote location
	// changes.
	_, err := st.GetMessageByUID(ctx, testAccountID, 2)
	assert.NoError(t, err)

	res = w.Submit(ctx, engine.Command{Kind: engine.CommandArchive, AccountID: testAccountID, UID: 2, Archive: false})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Archive", res.Folder)
}

func TestWatcherDeleteTwiceReportsNotFound(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(3, 1)

	w, st, _ := startWatcher(t, sess)
	ctx := context.Background()

	waitForUID(t, st, 3)

	res := w.Submit(ctx, engine.Command{Kind: engine.CommandDelete, AccountID: testAccountID, UID: 2})
	require.True(t, res.Success, res.Error)

	_, err := st.GetMessageByUID(ctx, testAccountID, 2)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	res = w.Submit(ctx, engine.Command{Kind: engine.CommandDelete, AccountID: testAccountID, UID: 2})
	assert.False(t, res.Success)
	assert.Equal(t, "message not found", res.Error)
}

func TestWatcherUnknownUIDFails(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(1, 1)

	w, st, _ := startWatcher(t, sess)
	waitForUID(t, st, 1)

	res := w.Submit(context.Background(), engine.Command{Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: 99, Seen: true})
	assert.False(t, res.Success)
	assert.Equal(t, "message not found", res.Error)
}

func TestWatcherManualSyncCommand(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(4, 1)

	w, st, _ := startWatcher(t, sess)
	waitForUID(t, st, 4)

	// No server signal for these; a manual sync must pick them up.
	sess.addMessages(2, 5)

	res := w.Submit(context.Background(), engine.Command{Kind: engine.CommandSync, AccountID: testAccountID})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Synced)
}

func TestWatcherSerializesCommands(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(20, 1)

	w, st, _ := startWatcher(t, sess)
	waitForUID(t, st, 20)

	results := make(chan engine.CommandResult, 10)
	for i := 0; i < 10; i++ {
		uid := uint32(i + 1)
		go func() {
			results <- w.Submit(context.Background(), engine.Command{
				Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: uid, Seen: true,
			})
		}()
	}

	for i := 0; i < 10; i++ {
		res := <-results
		assert.True(t, res.Success, res.Error)
	}
}

func TestWatcherStopDisconnects(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(1, 1)

	w, _, sink := startWatcher(t, sess)
	w.Stop()

	assert.Equal(t, engine.StateDisconnected, w.State())
	assert.False(t, w.Connected())

	states := sink.States()
	require.NotEmpty(t, states)
	assert.Equal(t, engine.StateDisconnected, states[len(states)-1])

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.True(t, sess.closed)
}

func TestWatcherParksOnDialFailure(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedTestAccount(t, st)

	sink := &recordSink{}
	eng := engine.NewSyncEngine(st, 50, zerolog.Nop())
	dial := func(model.Account, zerolog.Logger) (engine.Session, error) {
		return nil, errors.New("connection refused")
	}

	acc := model.Account{ID: testAccountID, Host: "imap.example.com", Port: 993}
	w := engine.NewAccountWatcher(acc, st, eng, dial, sink, zerolog.Nop())
	w.Start()
	t.Cleanup(w.Stop)

	require.Eventually(t, func() bool {
		return w.State() == engine.StateReconnectPending
	}, waitFor, tick)
	assert.False(t, w.Connected())
}

// waitForUID blocks until the store's high-water mark reaches uid.
func waitForUID(t *testing.T, st *store.SQLiteStore, uid uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		hwm, ok, err := st.FindHighWaterMark(context.Background(), testAccountID)
		return err == nil && ok && hwm >= uid
	}, waitFor, tick)
}
