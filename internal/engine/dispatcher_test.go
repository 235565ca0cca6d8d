package engine_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/tests/testutil"
)

func TestDispatchUnknownAccount(t *testing.T) {
	d := engine.NewDispatcher(zerolog.Nop())

	res := d.Dispatch(context.Background(), engine.Command{
		Kind: engine.CommandSync, AccountID: "nobody",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "not connected", res.Error)
}

func TestDispatchDisconnectedAccount(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedTestAccount(t, st)

	eng := engine.NewSyncEngine(st, 50, zerolog.Nop())
	acc := model.Account{ID: testAccountID, Host: "imap.example.com", Port: 993}

	// Registered but never started: the watcher holds no session.
	w := engine.NewAccountWatcher(acc, st, eng, engine.DialIMAP, nil, zerolog.Nop())
	d := engine.NewDispatcher(zerolog.Nop())
	d.Register(w)

	res := d.Dispatch(context.Background(), engine.Command{
		Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: 1, Seen: true,
	})
	assert.False(t, res.Success)
	assert.Equal(t, "not connected", res.Error)
}

func TestDispatchRoutesToWatcher(t *testing.T) {
	sess := newFakeSession()
	sess.addMessages(2, 1)

	w, st, _ := startWatcher(t, sess)
	waitForUID(t, st, 2)

	d := engine.NewDispatcher(zerolog.Nop())
	d.Register(w)

	res := d.Dispatch(context.Background(), engine.Command{
		Kind: engine.CommandMarkSeen, AccountID: testAccountID, UID: 1, Seen: true,
	})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Flags, model.FlagSeen)

	d.Unregister(testAccountID)
	res = d.Dispatch(context.Background(), engine.Command{
		Kind: engine.CommandSync, AccountID: testAccountID,
	})
	assert.Equal(t, "not connected", res.Error)
}
