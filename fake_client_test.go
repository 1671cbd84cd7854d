package outlook

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type fakeMessage struct {
	uid     int
	date    time.Time
	subject string
}

// fakeMailbox is an in-memory mailbox handing out fakeClients through dial.
type fakeMailbox struct {
	mu          sync.Mutex
	folders     map[string][]fakeMessage
	failExamine map[string]error
	// expunged UIDs still show up in SEARCH but vanish from header fetches.
	expunged map[int]bool
	dialErr  error
	noopErr  error

	dials   atomic.Int32
	noops   atomic.Int32
	closes  atomic.Int32
	tokens  []string
	clients []*fakeClient
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		folders:     make(map[string][]fakeMessage),
		failExamine: make(map[string]error),
		expunged:    make(map[int]bool),
	}
}

func (m *fakeMailbox) add(folder string, msgs ...fakeMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[folder] = append(m.folders[folder], msgs...)
}

func (m *fakeMailbox) dial(_ context.Context, mailbox, accessToken string) (Client, error) {
	m.dials.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, accessToken)
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	c := &fakeClient{mb: m, mailbox: mailbox}
	m.clients = append(m.clients, c)
	return c, nil
}

func (m *fakeMailbox) setNoopErr(err error) {
	m.mu.Lock()
	m.noopErr = err
	m.mu.Unlock()
}

type fakeClient struct {
	mb      *fakeMailbox
	mailbox string
	folder  string
	closed  atomic.Bool
}

var _ Client = (*fakeClient)(nil)

func (c *fakeClient) Noop(context.Context) error {
	c.mb.noops.Add(1)
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	return c.mb.noopErr
}

func (c *fakeClient) ListFolders(context.Context) ([]Folder, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	var out []Folder
	for _, name := range slices.Sorted(maps.Keys(c.mb.folders)) {
		out = append(out, Folder{Name: name, Delimiter: "/"})
	}
	return out, nil
}

func (c *fakeClient) Examine(_ context.Context, folder string) (*FolderStatus, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	if err := c.mb.failExamine[folder]; err != nil {
		c.folder = ""
		return nil, err
	}
	msgs, ok := c.mb.folders[folder]
	if !ok {
		c.folder = ""
		return nil, &CommandError{Command: "EXAMINE", Status: "NO", Text: "[NONEXISTENT] folder not found"}
	}
	c.folder = folder
	return &FolderStatus{Name: folder, Exists: len(msgs), UIDValidity: 1}, nil
}

func (c *fakeClient) messages() ([]fakeMessage, error) {
	if c.folder == "" {
		return nil, errors.New("no folder examined")
	}
	return c.mb.folders[c.folder], nil
}

func (c *fakeClient) SearchUIDs(context.Context) ([]int, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	msgs, err := c.messages()
	if err != nil {
		return nil, err
	}
	uids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.uid)
	}
	return uids, nil
}

func (c *fakeClient) FetchIndex(_ context.Context, uids []int) ([]IndexEntry, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	msgs, err := c.messages()
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	for _, m := range msgs {
		if slices.Contains(uids, m.uid) {
			out = append(out, IndexEntry{UID: m.uid, Date: m.date, Size: 100})
		}
	}
	return out, nil
}

func (c *fakeClient) FetchSummaries(_ context.Context, uids []int) ([]MessageSummary, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	msgs, err := c.messages()
	if err != nil {
		return nil, err
	}
	var out []MessageSummary
	for _, m := range msgs {
		if !slices.Contains(uids, m.uid) || c.mb.expunged[m.uid] {
			continue
		}
		s := MessageSummary{
			ID:      MessageID(c.folder, m.uid),
			Folder:  c.folder,
			UID:     m.uid,
			Subject: m.subject,
			From:    "sender@example.com",
			Date:    m.date,
		}
		fillDefaults(&s)
		out = append(out, s)
	}
	return out, nil
}

func (c *fakeClient) FetchMessage(_ context.Context, uid int) (*MessageDetail, error) {
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	msgs, err := c.messages()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.uid == uid {
			return &MessageDetail{
				MessageSummary: MessageSummary{ID: MessageID(c.folder, uid), Folder: c.folder, UID: uid, Subject: m.subject, Date: m.date},
				TextBody:       "body " + m.subject,
			}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", MessageID(c.folder, uid), ErrMessageNotFound)
}

func (c *fakeClient) Alive() bool { return !c.closed.Load() }

func (c *fakeClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.mb.closes.Add(1)
	}
	return nil
}

// staticTokens hands out a fixed token, or err when set.
type staticTokens struct {
	calls atomic.Int32
	err   error
}

func (s *staticTokens) AccessToken(context.Context, string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "access-token", nil
}
