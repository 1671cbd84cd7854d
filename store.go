package outlook

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// CredentialStore persists mailbox credentials.
type CredentialStore interface {
	Get(mailbox string) (Credential, error)
	List() []Credential
	// Put upserts every credential in one durable write.
	Put(creds ...Credential) error
	// Delete removes the given mailboxes and returns the ones that existed.
	Delete(mailboxes ...string) ([]string, error)
	// RecordRefresh stores the result of a refresh made with usedRefresh. It
	// is a no-op when the stored refresh token has since been replaced.
	RecordRefresh(mailbox, usedRefresh, accessToken, newRefresh string, expiry time.Time) error
	// MarkInactive flags an account whose refresh token usedRefresh was
	// rejected. It is a no-op when the credential has since been replaced.
	MarkInactive(mailbox, usedRefresh string) error
}

// fileRecord is the on-disk shape of one credential.
type fileRecord struct {
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Status       Status `json:"status,omitempty"`
}

// FileStore is a CredentialStore backed by a single JSON file. Writes go
// through a temp file and rename, so the file on disk is always either the
// previous or the next complete version. Reads never block on writers.
type FileStore struct {
	path string
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]Credential]

	// rename is swapped in tests to simulate a crash before commit.
	rename func(oldpath, newpath string) error
}

var _ CredentialStore = (*FileStore)(nil)

// OpenFileStore loads path, treating a missing or empty file as an empty
// store. A file that exists but cannot be decoded is an error.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, rename: os.Rename}
	creds, err := readCredentialFile(path)
	if err != nil {
		return nil, err
	}
	s.snap.Store(&creds)
	return s, nil
}

func readCredentialFile(path string) (map[string]Credential, error) {
	creds := make(map[string]Credential)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(data) == 0 {
		return creds, nil
	}
	var records map[string]fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	for key, r := range records {
		mailbox, err := NormalizeMailbox(key)
		if err != nil {
			getLogger().Warn("dropping stored credential with an invalid mailbox", "mailbox", key, "error", err)
			continue
		}
		c := Credential{
			Mailbox:      mailbox,
			RefreshToken: r.RefreshToken,
			ClientID:     r.ClientID,
			AccessToken:  r.AccessToken,
			Status:       r.Status,
		}
		if r.ExpiresAt > 0 {
			c.Expiry = time.Unix(r.ExpiresAt, 0)
		}
		creds[mailbox] = c
	}
	return creds, nil
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) current() map[string]Credential {
	return *s.snap.Load()
}

// Get returns the credential for mailbox or ErrNotFound.
func (s *FileStore) Get(mailbox string) (Credential, error) {
	key, err := NormalizeMailbox(mailbox)
	if err != nil {
		return Credential{}, err
	}
	c, ok := s.current()[key]
	if !ok {
		return Credential{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return c, nil
}

// List returns every credential ordered by mailbox.
func (s *FileStore) List() []Credential {
	snap := s.current()
	out := make([]Credential, 0, len(snap))
	for _, key := range slices.Sorted(maps.Keys(snap)) {
		out = append(out, snap[key])
	}
	return out
}

// Put validates and upserts creds. An existing credential is replaced in
// full, so a cached access token survives only if the new value carries one.
func (s *FileStore) Put(creds ...Credential) error {
	valid := make([]Credential, 0, len(creds))
	for _, c := range creds {
		v, err := c.Validate()
		if err != nil {
			return err
		}
		valid = append(valid, v)
	}
	if len(valid) == 0 {
		return nil
	}
	return s.mutate(func(next map[string]Credential) bool {
		for _, c := range valid {
			next[c.Mailbox] = c
		}
		return true
	})
}

// Delete removes mailboxes and reports which ones were present.
func (s *FileStore) Delete(mailboxes ...string) ([]string, error) {
	var removed []string
	err := s.mutate(func(next map[string]Credential) bool {
		removed = removed[:0]
		for _, m := range mailboxes {
			key, err := NormalizeMailbox(m)
			if err != nil {
				continue
			}
			if _, ok := next[key]; ok {
				delete(next, key)
				removed = append(removed, key)
			}
		}
		return len(removed) > 0
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *FileStore) RecordRefresh(mailbox, usedRefresh, accessToken, newRefresh string, expiry time.Time) error {
	return s.mutate(func(next map[string]Credential) bool {
		c, ok := next[mailbox]
		if !ok || c.RefreshToken != usedRefresh {
			return false
		}
		c.AccessToken = accessToken
		c.Expiry = expiry
		if newRefresh != "" {
			c.RefreshToken = newRefresh
		}
		c.Status = StatusActive
		next[mailbox] = c
		return true
	})
}

func (s *FileStore) MarkInactive(mailbox, usedRefresh string) error {
	return s.mutate(func(next map[string]Credential) bool {
		c, ok := next[mailbox]
		if !ok || c.RefreshToken != usedRefresh || c.Status == StatusInactive {
			return false
		}
		c.Status = StatusInactive
		next[mailbox] = c
		return true
	})
}

// mutate applies fn to a copy of the current snapshot and, if fn reports a
// change, commits the copy to disk before publishing it to readers.
func (s *FileStore) mutate(fn func(next map[string]Credential) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.current())
	if !fn(next) {
		return nil
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.snap.Store(&next)
	return nil
}

func (s *FileStore) write(creds map[string]Credential) (err error) {
	records := make(map[string]fileRecord, len(creds))
	for mailbox, c := range creds {
		r := fileRecord{
			RefreshToken: c.RefreshToken,
			ClientID:     c.ClientID,
			AccessToken:  c.AccessToken,
			Status:       c.Status,
		}
		if !c.Expiry.IsZero() {
			r.ExpiresAt = c.Expiry.Unix()
		}
		records[mailbox] = r
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credentials: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err = s.rename(tmpName, s.path); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
