package imapx

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/model"
)

const (
	// dialTimeout bounds connection establishment; it is deliberately
	// much shorter than the multi-minute IDLE wait.
	dialTimeout = 10 * time.Second

	// logoutTimeout bounds the graceful LOGOUT before force-closing.
	logoutTimeout = 2 * time.Second
)

// ArchiveFolders is the ordered list of conventional archive mailbox
// names tried by Archive and Restore.
var ArchiveFolders = []string{
	"Archive", "Archives", "[Gmail]/All Mail", "INBOX.Archive",
}

// IdleHandle is a running IDLE command. Close interrupts the wait;
// Wait blocks until the server acknowledges the end of the session.
type IdleHandle interface {
	Close() error
	Wait() error
}

// Session owns one persistent IMAP connection to one account's server
// with the watched mailbox selected. It is not safe for concurrent use;
// the owning AccountWatcher serializes all access.
type Session struct {
	account model.Account
	mailbox string
	client  *imapclient.Client
	log     zerolog.Logger

	mu          sync.Mutex
	numMessages uint32
	updates     chan MailboxUpdate
}

// Dial connects to the account's IMAP server, authenticates, and selects
// the watched mailbox. Login failures are reported as AuthError; all
// other failures are transport errors.
func Dial(account model.Account, log zerolog.Logger) (*Session, error) {
	s := &Session{
		account: account,
		mailbox: account.WatchedMailbox(),
		log:     log,
		updates: make(chan MailboxUpdate, 1),
	}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: s.handleMailboxUpdate,
		},
	}

	addr := account.Addr()
	var client *imapclient.Client
	if account.TLS {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName: account.Host,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client = imapclient.New(conn, opts)
	} else {
		var err error
		client, err = imapclient.DialStartTLS(addr, opts)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
	}

	if err := client.Login(account.Username, account.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Account: account.Username,
			Message: fmt.Sprintf("authentication failed: %v", err),
		}
	}

	selectData, err := client.Select(s.mailbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", s.mailbox, err)
	}

	s.client = client
	s.numMessages = selectData.NumMessages

	return s, nil
}

// handleMailboxUpdate receives unilateral mailbox data pushed by the
// server while idle. It runs on the client's reader goroutine.
func (s *Session) handleMailboxUpdate(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}

	s.mu.Lock()
	grew := *data.NumMessages > s.numMessages
	s.numMessages = *data.NumMessages
	s.mu.Unlock()

	if !grew {
		return
	}

	select {
	case s.updates <- MailboxUpdate{NumMessages: *data.NumMessages}:
	default:
		// An update is already pending; the next sync pass covers both.
	}
}

// Updates returns the channel signaled when the server reports new
// messages in the watched mailbox.
func (s *Session) Updates() <-chan MailboxUpdate {
	return s.updates
}

// MessageCount returns the last-known message count of the watched mailbox.
func (s *Session) MessageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numMessages
}

// Idle parks the session in a long-poll wait. The returned handle must
// be closed before issuing any other command on the session.
func (s *Session) Idle() (IdleHandle, error) {
	cmd, err := s.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("starting IDLE: %w", err)
	}
	return cmd, nil
}

// FetchWindow fetches envelope metadata for the most recent limit
// messages, windowed from the end of the mailbox by sequence number.
// Used for bootstrap sync; bodies are never fetched here.
func (s *Session) FetchWindow(limit int) ([]Envelope, error) {
	total := s.MessageCount()
	if total == 0 {
		return nil, nil
	}

	start := uint32(1)
	if limit > 0 && total > uint32(limit) {
		start = total - uint32(limit) + 1
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(start, total)

	return s.fetchEnvelopes(seqSet)
}

// FetchSince fetches envelope metadata for all messages with UID
// strictly greater than hwm, using UID-range addressing. Servers may
// echo the boundary message back; callers filter UIDs ≤ hwm.
func (s *Session) FetchSince(hwm uint32) ([]Envelope, error) {
	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(hwm+1), 0)

	return s.fetchEnvelopes(uidSet)
}

// fetchEnvelopes streams envelope-only fetch results for the given set.
// A message that fails to collect is skipped, not fatal to the batch.
func (s *Session) fetchEnvelopes(numSet imap.NumSet) ([]Envelope, error) {
	fetchOpts := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}

	fetchCmd := s.client.Fetch(numSet, fetchOpts)
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping uncollectable message")
			continue
		}

		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, fmt.Errorf("fetching envelopes: %w", err)
	}

	return envelopes, nil
}

// FetchBody fetches the full message source for the given UID and
// parses it into text, HTML, and attachment metadata.
func (s *Session) FetchBody(uid uint32) (ParsedBody, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return ParsedBody{}, fmt.Errorf("message uid %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return ParsedBody{}, fmt.Errorf("collecting message data: %w", err)
	}

	var body ParsedBody
	if raw := buf.FindBodySection(bodySection); raw != nil {
		body = parseMIMEBody(raw)
	}

	if err := fetchCmd.Close(); err != nil {
		return body, fmt.Errorf("closing body fetch: %w", err)
	}

	return body, nil
}

// SetFlags modifies flags on a message by UID. If add is true, the
// flags are added; otherwise they are removed.
func (s *Session) SetFlags(uid uint32, flags []string, add bool) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("storing flags for uid %d: %w", uid, err)
	}
	return nil
}

// Archive moves the message into an archive-designated mailbox, trying
// the conventional names in order. If none accept the move, it creates
// an Archive mailbox and retries once. Returns the folder used.
func (s *Session) Archive(uid uint32) (string, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	var lastErr error
	for _, folder := range ArchiveFolders {
		if _, err := s.client.Move(uidSet, folder).Wait(); err == nil {
			return folder, nil
		} else {
			lastErr = err
		}
	}

	// No conventional archive mailbox exists; create one and retry.
	if err := s.client.Create(ArchiveFolders[0], nil).Wait(); err != nil {
		return "", fmt.Errorf("creating archive mailbox: %w (move failed: %v)", err, lastErr)
	}
	if _, err := s.client.Move(uidSet, ArchiveFolders[0]).Wait(); err != nil {
		return "", fmt.Errorf("moving uid %d to created archive: %w", uid, err)
	}
	return ArchiveFolders[0], nil
}

// Restore finds the message by its Message-ID among the candidate
// archive mailboxes and moves it back into the watched mailbox. UIDs
// are per-mailbox, so the Message-ID header is the only stable handle.
// The watched mailbox is reselected before returning.
func (s *Session) Restore(messageID string) (string, error) {
	if messageID == "" {
		return "", fmt.Errorf("message has no Message-ID recorded")
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: messageID},
		},
	}

	var found string
	var moveErr error
	for _, folder := range ArchiveFolders {
		if _, err := s.client.Select(folder, nil).Wait(); err != nil {
			continue
		}

		searchData, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			continue
		}

		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			continue
		}

		_, moveErr = s.client.Move(imap.UIDSetNum(uids...), s.mailbox).Wait()
		found = folder
		break
	}

	if err := s.reselect(); err != nil {
		return found, err
	}

	if found == "" {
		return "", fmt.Errorf("message not found in any archive mailbox")
	}
	if moveErr != nil {
		return found, fmt.Errorf("moving message back from %s: %w", found, moveErr)
	}
	return found, nil
}

// Delete marks the message deleted and expunges it permanently.
func (s *Session) Delete(uid uint32) error {
	if err := s.SetFlags(uid, []string{model.FlagDeleted}, true); err != nil {
		return err
	}

	if _, err := s.client.Expunge().Collect(); err != nil {
		return fmt.Errorf("expunging uid %d: %w", uid, err)
	}
	return nil
}

// reselect restores the watched mailbox selection after operations that
// selected another mailbox.
func (s *Session) reselect() error {
	selectData, err := s.client.Select(s.mailbox, nil).Wait()
	if err != nil {
		return fmt.Errorf("reselecting %s: %w", s.mailbox, err)
	}

	s.mu.Lock()
	s.numMessages = selectData.NumMessages
	s.mu.Unlock()
	return nil
}

// Close logs out gracefully, force-closing the connection if the server
// does not acknowledge in time.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.client.Logout().Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Debug().Err(err).Msg("logout failed, closing connection")
		}
	case <-time.After(logoutTimeout):
		s.log.Debug().Msg("logout timed out, closing connection")
	}

	return s.client.Close()
}
