package engine_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/imapx"
	"github.com/nhle/mailmirror/internal/model"
)

// fakeIdle satisfies the idle handle contract: Wait returns once Close
// has been called.
type fakeIdle struct {
	closed chan struct{}
	once   sync.Once
}

func (f *fakeIdle) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeIdle) Wait() error {
	<-f.closed
	return nil
}

// fakeSession is an in-memory mail-server session. It deliberately
// echoes the boundary message on incremental fetches, as real servers
// do for open-ended UID ranges.
type fakeSession struct {
	mu        sync.Mutex
	envelopes []imapx.Envelope
	bodies    map[uint32]imapx.ParsedBody
	archived  map[uint32]string
	closed    bool

	windowCalls []int
	sinceCalls  []uint32

	updates chan imapx.MailboxUpdate
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		bodies:   make(map[uint32]imapx.ParsedBody),
		archived: make(map[uint32]string),
		updates:  make(chan imapx.MailboxUpdate, 4),
	}
}

// addMessages appends count envelopes with consecutive UIDs starting at
// startUID.
func (f *fakeSession) addMessages(count int, startUID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < count; i++ {
		uid := startUID + uint32(i)
		f.envelopes = append(f.envelopes, imapx.Envelope{
			UID:       uid,
			MessageID: fmt.Sprintf("<msg-%d@example.com>", uid),
			Subject:   fmt.Sprintf("message %d", uid),
			From:      "alice@example.com",
			To:        []string{"me@example.com"},
			Date:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		})
	}
}

// notify signals new mail the way an idle session would.
func (f *fakeSession) notify() {
	f.mu.Lock()
	n := uint32(len(f.envelopes))
	f.mu.Unlock()
	f.updates <- imapx.MailboxUpdate{NumMessages: n}
}

func (f *fakeSession) Updates() <-chan imapx.MailboxUpdate { return f.updates }

func (f *fakeSession) MessageCount() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.envelopes))
}

func (f *fakeSession) Idle() (imapx.IdleHandle, error) {
	return &fakeIdle{closed: make(chan struct{})}, nil
}

func (f *fakeSession) FetchWindow(limit int) ([]imapx.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowCalls = append(f.windowCalls, limit)

	sorted := append([]imapx.Envelope(nil), f.envelopes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UID < sorted[j].UID })
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func (f *fakeSession) FetchSince(hwm uint32) ([]imapx.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCalls = append(f.sinceCalls, hwm)

	var out []imapx.Envelope
	for _, env := range f.envelopes {
		if env.UID >= hwm {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *fakeSession) FetchBody(uid uint32) (imapx.ParsedBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[uid]
	if !ok {
		return imapx.ParsedBody{}, fmt.Errorf("no body for uid %d", uid)
	}
	return body, nil
}

func (f *fakeSession) SetFlags(uid uint32, flags []string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.envelopes {
		if f.envelopes[i].UID != uid {
			continue
		}
		kept := f.envelopes[i].Flags[:0]
		for _, fl := range f.envelopes[i].Flags {
			remove := false
			for _, target := range flags {
				if fl == target {
					remove = true
				}
			}
			if !remove {
				kept = append(kept, fl)
			}
		}
		f.envelopes[i].Flags = kept
		if add {
			f.envelopes[i].Flags = append(f.envelopes[i].Flags, flags...)
		}
		return nil
	}
	return fmt.Errorf("no message with uid %d", uid)
}

func (f *fakeSession) Archive(uid uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.envelopes {
		if f.envelopes[i].UID == uid {
			f.archived[uid] = f.envelopes[i].MessageID
			f.envelopes = append(f.envelopes[:i], f.envelopes[i+1:]...)
			return "Archive", nil
		}
	}
	return "", fmt.Errorf("no message with uid %d", uid)
}

func (f *fakeSession) Restore(messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for uid, mid := range f.archived {
		if mid == messageID {
			delete(f.archived, uid)
			return "Archive", nil
		}
	}
	return "", fmt.Errorf("message %s not found in any archive mailbox", messageID)
}

func (f *fakeSession) Delete(uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.envelopes {
		if f.envelopes[i].UID == uid {
			f.envelopes = append(f.envelopes[:i], f.envelopes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no message with uid %d", uid)
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// recordSink captures engine events for assertions.
type recordSink struct {
	mu       sync.Mutex
	states   []engine.WatcherState
	newMail  []model.MessageRecord
	progress []int
}

func (r *recordSink) ConnectionState(_ string, state engine.WatcherState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordSink) NewEmail(_ string, msg model.MessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newMail = append(r.newMail, msg)
}

func (r *recordSink) SyncProgress(_ string, syncedCount int, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, syncedCount)
}

func (r *recordSink) States() []engine.WatcherState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.WatcherState(nil), r.states...)
}

func (r *recordSink) NewMailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.newMail)
}
