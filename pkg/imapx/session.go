package imapx

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// SessionConfig carries everything needed to open one authenticated IMAP
// session. AuthMethod selects between plain password login and OAUTHBEARER
// token authentication.
type SessionConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	AuthMethod string // "password" or "oauthbearer"
	Token      string
}

func (c SessionConfig) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SelectInfo is the folder state reported by a SELECT.
type SelectInfo struct {
	UIDValidity   uint32
	UIDNext       uint32
	NumMessages   uint32
	HighestModSeq uint64 // zero when the server lacks CONDSTORE
}

// FetchedMessage is one fully fetched message, already MIME-parsed.
type FetchedMessage struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	FromName   string
	To         []string
	Date       time.Time
	Flags      []string
	Size       int64
	TextBody   string
	HTMLBody   string
	// Security signals lifted from the headers.
	AuthResults string
	ReturnPath  string
	ModSeq      uint64
}

// FlagUpdate is a metadata-only delta reported by a CHANGEDSINCE fetch.
type FlagUpdate struct {
	UID    uint32
	Flags  []string
	ModSeq uint64
}

// Session is one authenticated connection to the IMAP server. A session is
// stateful (selected folder) and must not be shared between goroutines;
// ownership is transferred through the Pool.
type Session struct {
	client   *imapclient.Client
	caps     imap.CapSet
	selected string
	updates  chan struct{}
}

// NewSession dials, authenticates, and discovers capabilities.
func NewSession(cfg SessionConfig) (*Session, error) {
	updates := make(chan struct{}, 16)

	notify := func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) { notify() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					notify()
				}
			},
		},
	}

	client, err := imapclient.DialTLS(cfg.address(), options)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", cfg.address(), err)
	}

	if cfg.AuthMethod == "oauthbearer" {
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cfg.Username,
			Token:    cfg.Token,
			Host:     cfg.Host,
			Port:     cfg.Port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("oauthbearer authentication failed for %s: %w", cfg.Username, err)
		}
	} else {
		if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("login failed for %s: %w", cfg.Username, err)
		}
	}

	return &Session{
		client:  client,
		caps:    client.Caps(),
		updates: updates,
	}, nil
}

// Capability discovery. CONDSTORE gates the modseq delta path, UIDPLUS the
// append-returns-UID path, MOVE the atomic move path.
func (s *Session) SupportsModSeq() bool { return s.caps.Has(imap.CapCondStore) }
func (s *Session) SupportsIdle() bool   { return s.caps.Has(imap.CapIdle) }
func (s *Session) SupportsUIDPlus() bool {
	return s.caps.Has(imap.CapUIDPlus)
}
func (s *Session) supportsMove() bool { return s.caps.Has(imap.CapMove) }

// ListFolders returns all selectable folder names.
func (s *Session) ListFolders() ([]string, error) {
	listCmd := s.client.List("", "*", nil)
	mailboxes, err := listCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("unable to list folders: %w", err)
	}

	var folders []string
	for _, mbox := range mailboxes {
		selectable := true
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			folders = append(folders, mbox.Mailbox)
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// Select opens a folder and reports its identity and cursors. CONDSTORE is
// requested whenever the server advertises it so HighestModSeq is populated.
func (s *Session) Select(folder string, readOnly bool) (*SelectInfo, error) {
	options := &imap.SelectOptions{
		ReadOnly:  readOnly,
		CondStore: s.SupportsModSeq(),
	}

	data, err := s.client.Select(folder, options).Wait()
	if err != nil {
		s.selected = ""
		return nil, fmt.Errorf("unable to select %s: %w", folder, err)
	}
	s.selected = folder

	return &SelectInfo{
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		NumMessages:   data.NumMessages,
		HighestModSeq: data.HighestModSeq,
	}, nil
}

// SearchUIDsFrom lists every UID >= start in the selected folder, ascending.
func (s *Session) SearchUIDsFrom(start uint32) ([]uint32, error) {
	if start == 0 {
		start = 1
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(start), 0) // start:*

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search failed: %w", err)
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		// Servers answer a UID search past the end with the last message;
		// filter so start:* is strictly >= start.
		if uint32(uid) >= start {
			uids = append(uids, uint32(uid))
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Search runs a validated filter against the selected folder.
func (s *Session) Search(filter Filter) ([]uint32, error) {
	criteria, err := Lower(filter)
	if err != nil {
		return nil, err
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchMessages fetches full messages (envelope, flags, size, body) for the
// given UIDs. Messages the server no longer has are silently absent from the
// result; a malformed message is skipped and logged rather than failing the
// whole batch.
func (s *Session) FetchMessages(uids []uint32) ([]*FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := make(imap.UIDSet, 0, 1)
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	options := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		ModSeq:      s.SupportsModSeq(),
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, options)
	defer fetchCmd.Close()

	var messages []*FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			log.Printf("[IMAP] Skipping unreadable message: %v", err)
			continue
		}

		fetched := messageFromBuffer(buf, bodySection)
		if fetched != nil {
			messages = append(messages, fetched)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, fmt.Errorf("fetch failed: %w", err)
	}
	return messages, nil
}

// FetchFlagChanges returns flag deltas for UIDs 1:maxUID whose modseq
// advanced past since. Bodies are never part of this fetch.
func (s *Session) FetchFlagChanges(since uint64, maxUID uint32) ([]FlagUpdate, error) {
	if maxUID == 0 {
		return nil, nil
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(1, imap.UID(maxUID))

	options := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: since,
	}

	fetchCmd := s.client.Fetch(uidSet, options)
	defer fetchCmd.Close()

	var updates []FlagUpdate
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		updates = append(updates, FlagUpdate{
			UID:    uint32(buf.UID),
			Flags:  flagStrings(buf.Flags),
			ModSeq: buf.ModSeq,
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return updates, fmt.Errorf("changedsince fetch failed: %w", err)
	}
	return updates, nil
}

// StoreFlags adds or removes flags on the given UIDs.
func (s *Session) StoreFlags(uids []uint32, flags []string, add bool) error {
	if len(uids) == 0 {
		return nil
	}

	uidSet := make(imap.UIDSet, 0, 1)
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

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
		return fmt.Errorf("unable to store flags: %w", err)
	}
	return nil
}

// Move relocates messages to dest, using MOVE when the server supports it
// and falling back to copy + delete + expunge.
func (s *Session) Move(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}

	uidSet := make(imap.UIDSet, 0, 1)
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	if s.supportsMove() {
		if _, err := s.client.Move(uidSet, dest).Wait(); err != nil {
			return fmt.Errorf("unable to move to %s: %w", dest, err)
		}
		return nil
	}

	if _, err := s.client.Copy(uidSet, dest).Wait(); err != nil {
		return fmt.Errorf("unable to copy to %s: %w", dest, err)
	}
	if err := s.StoreFlags(uids, []string{string(imap.FlagDeleted)}, true); err != nil {
		return err
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge after copy failed: %w", err)
	}
	return nil
}

// Append stores a raw message into folder and returns the assigned UID when
// the server supports UIDPLUS, zero otherwise.
func (s *Session) Append(folder string, raw []byte, flags []string) (uint32, error) {
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	appendCmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: imapFlags,
		Time:  time.Now(),
	})
	if _, err := appendCmd.Write(raw); err != nil {
		return 0, fmt.Errorf("unable to write append payload: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, fmt.Errorf("unable to finish append: %w", err)
	}

	data, err := appendCmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("append to %s failed: %w", folder, err)
	}
	return uint32(data.UID), nil
}

// IdleWait blocks in IDLE until the server reports a mailbox change or the
// timeout elapses. Returns true when a change was seen. The timeout must be
// kept below the server's idle session limit so the loop re-enters IDLE
// before the server would hang up.
func (s *Session) IdleWait(timeout time.Duration) (bool, error) {
	// Drain notifications accumulated outside IDLE so a stale update does
	// not immediately wake the next wait.
	for {
		select {
		case <-s.updates:
			continue
		default:
		}
		break
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		return false, fmt.Errorf("unable to enter idle: %w", err)
	}

	changed := false
	select {
	case <-s.updates:
		changed = true
	case <-time.After(timeout):
	}

	if err := idleCmd.Close(); err != nil {
		return changed, fmt.Errorf("unable to leave idle: %w", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return changed, fmt.Errorf("idle terminated: %w", err)
	}
	return changed, nil
}

// Close logs out and tears down the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return nil
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
