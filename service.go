package outlook

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Service is the entry point: account management plus cached, merged
// listings over pooled IMAP sessions.
type Service struct {
	store  CredentialStore
	tokens *TokenManager
	pool   *SessionPool
	agg    *Aggregator
	cache  *ResultCache

	verifyConcurrency int

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewService opens the credential file named in opts and wires up the
// token manager, session pool, aggregator and cache.
func NewService(opts Options) (*Service, error) {
	opts = opts.withDefaults()
	store, err := OpenFileStore(opts.AccountsFile)
	if err != nil {
		return nil, err
	}
	return NewServiceWithStore(store, opts), nil
}

// NewServiceWithStore is NewService for an already opened store.
func NewServiceWithStore(store CredentialStore, opts Options) *Service {
	opts = opts.withDefaults()
	tokens := NewTokenManager(store, opts)
	pool := NewSessionPool(tokens, opts.Dial, opts)
	s := &Service{
		store:             store,
		tokens:            tokens,
		pool:              pool,
		agg:               NewAggregator(pool, opts),
		cache:             NewResultCache(CacheTTL),
		verifyConcurrency: opts.VerifyConcurrency,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	if opts.JanitorInterval > 0 {
		go s.janitor(opts.JanitorInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *Service) janitor(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			reaped := s.pool.ReapIdle()
			swept := s.cache.Sweep()
			if reaped > 0 || swept > 0 {
				getLogger().Debug("janitor pass", "sessions_closed", reaped, "cache_entries_expired", swept)
			}
		}
	}
}

// Close stops the janitor and closes pooled sessions.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		_ = s.pool.Close()
	})
	return nil
}

// forget drops everything derived from a mailbox's previous credential.
func (s *Service) forget(mailbox string) {
	s.cache.Invalidate(mailbox)
	s.pool.Evict(mailbox)
}

// AccountResult is the outcome of registering one account.
type AccountResult struct {
	Mailbox string `json:"email_id"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// RegisterAccount verifies cred with a token exchange and stores it,
// replacing any previous credential for the mailbox.
func (s *Service) RegisterAccount(ctx context.Context, cred Credential) (*AccountResult, error) {
	results, err := s.RegisterAccounts(ctx, []Credential{cred})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return &results[0], nil
}

// RegisterAccounts verifies every credential concurrently and stores the
// verified ones in a single write. Each result carries its own error.
func (s *Service) RegisterAccounts(ctx context.Context, creds []Credential) ([]AccountResult, error) {
	results := make([]AccountResult, len(creds))
	verified := make([]*Credential, len(creds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.verifyConcurrency)
	for i, cred := range creds {
		results[i].Mailbox = cred.Mailbox
		g.Go(func() error {
			v, err := cred.Validate()
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Mailbox = v.Mailbox
			tok, err := s.tokens.Verify(gctx, v)
			if err != nil {
				results[i].Err = err
				return nil
			}
			v.AccessToken = tok.AccessToken
			v.Expiry = tok.Expiry
			if tok.RefreshToken != "" {
				v.RefreshToken = tok.RefreshToken
			}
			v.Status = StatusActive
			verified[i] = &v
			return nil
		})
	}
	_ = g.Wait()

	var batch []Credential
	for i, v := range verified {
		if v == nil {
			results[i].Message = "verification failed"
			continue
		}
		batch = append(batch, *v)
	}
	if len(batch) == 0 {
		return results, nil
	}
	if err := s.store.Put(batch...); err != nil {
		return nil, err
	}
	for i, v := range verified {
		if v == nil {
			continue
		}
		s.forget(v.Mailbox)
		results[i].Message = "account registered"
		accountLogger(v.Mailbox, "").Info("account registered")
	}
	return results, nil
}

// AccountStatus describes one registered account.
type AccountStatus struct {
	Mailbox string `json:"email_id"`
	Status  string `json:"status"`
}

// ListAccounts returns the registered accounts. With checkLiveness each
// refresh token is exchanged to report active or inactive; otherwise the last
// known status is reported.
func (s *Service) ListAccounts(ctx context.Context, checkLiveness bool) ([]AccountStatus, error) {
	creds := s.store.List()
	out := make([]AccountStatus, len(creds))
	for i, c := range creds {
		out[i] = AccountStatus{Mailbox: c.Mailbox, Status: string(c.Status)}
		if c.Status == StatusUnknown {
			out[i].Status = "unknown"
		}
	}
	if !checkLiveness {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.verifyConcurrency)
	for i, c := range creds {
		g.Go(func() error {
			if _, err := s.tokens.Verify(gctx, c); err != nil {
				out[i].Status = string(StatusInactive)
			} else {
				out[i].Status = string(StatusActive)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// VerificationResult is the outcome of checking one credential.
type VerificationResult struct {
	Mailbox string `json:"email_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// VerifyAccounts checks credentials by token exchange without storing them.
func (s *Service) VerifyAccounts(ctx context.Context, creds []Credential) []VerificationResult {
	out := make([]VerificationResult, len(creds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.verifyConcurrency)
	for i, c := range creds {
		g.Go(func() error {
			out[i] = VerificationResult{Mailbox: c.Mailbox, Status: "success", Message: "refresh token is valid"}
			if _, err := s.tokens.Verify(gctx, c); err != nil {
				out[i].Status = "error"
				out[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// DeleteResult counts the outcome of a delete request.
type DeleteResult struct {
	Deleted  int      `json:"deleted"`
	NotFound int      `json:"not_found"`
	Removed  []string `json:"removed,omitempty"`
}

// DeleteAccounts removes credentials and everything cached or pooled for
// them. Addresses that are not registered, or not valid, count as not found.
func (s *Service) DeleteAccounts(ctx context.Context, mailboxes []string) (*DeleteResult, error) {
	var keys []string
	invalid := 0
	for _, m := range mailboxes {
		key, err := NormalizeMailbox(m)
		if err != nil {
			invalid++
			continue
		}
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	removed, err := s.store.Delete(keys...)
	if err != nil {
		return nil, err
	}
	for _, m := range removed {
		s.forget(m)
		accountLogger(m, "").Info("account deleted")
	}
	return &DeleteResult{
		Deleted:  len(removed),
		NotFound: len(keys) - len(removed) + invalid,
		Removed:  removed,
	}, nil
}

// ListRequest selects one page of a listing.
type ListRequest struct {
	Mailbox string
	View    FolderView
	Page    int
	// PageSize zero means DefaultPageSize.
	PageSize     int
	ForceRefresh bool
}

// ListEmails returns a page of the mailbox's messages, served from the cache
// when a fresh copy exists.
func (s *Service) ListEmails(ctx context.Context, req ListRequest) (*EmailList, error) {
	mailbox, err := s.account(req.Mailbox)
	if err != nil {
		return nil, err
	}
	view := req.View
	if view == "" {
		view = ViewAll
	}
	if view.Folders() == nil {
		_, err := ParseFolderView(string(view))
		return nil, err
	}
	if req.PageSize == 0 {
		req.PageSize = DefaultPageSize
	}
	page, size := ClampPage(req.Page, req.PageSize, MaxPageSize)
	return s.list(ctx, mailbox, view, page, size, req.ForceRefresh)
}

func (s *Service) list(ctx context.Context, mailbox string, view FolderView, page, size int, force bool) (*EmailList, error) {
	if force {
		s.cache.Invalidate(mailbox)
	}
	key := CacheKey{Mailbox: mailbox, View: view, Page: page, PageSize: size}
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*EmailList, error) {
		return s.agg.List(ctx, mailbox, view, page, size)
	})
}

// GetEmailDetail fetches one full message. Details are never cached.
func (s *Service) GetEmailDetail(ctx context.Context, mailbox, messageID string) (*MessageDetail, error) {
	mailbox, err := s.account(mailbox)
	if err != nil {
		return nil, err
	}
	return s.agg.Detail(ctx, mailbox, messageID)
}

// ListFolders returns the folders of the mailbox.
func (s *Service) ListFolders(ctx context.Context, mailbox string) ([]Folder, error) {
	mailbox, err := s.account(mailbox)
	if err != nil {
		return nil, err
	}
	return s.agg.Folders(ctx, mailbox)
}

// DualViewRequest selects independent pages of the inbox and junk folders.
type DualViewRequest struct {
	Mailbox   string
	InboxPage int
	JunkPage  int
	// PageSize zero means DefaultDualPageSize.
	PageSize     int
	ForceRefresh bool
}

// DualView is the inbox and junk listings side by side.
type DualView struct {
	Mailbox     string           `json:"email_id"`
	InboxEmails []MessageSummary `json:"inbox_emails"`
	JunkEmails  []MessageSummary `json:"junk_emails"`
	InboxTotal  int              `json:"inbox_total"`
	JunkTotal   int              `json:"junk_total"`
	InboxPage   int              `json:"inbox_page"`
	JunkPage    int              `json:"junk_page"`
	PageSize    int              `json:"page_size"`
}

// DualView fetches the inbox and junk pages concurrently; each is cached on
// its own key.
func (s *Service) DualView(ctx context.Context, req DualViewRequest) (*DualView, error) {
	mailbox, err := s.account(req.Mailbox)
	if err != nil {
		return nil, err
	}
	if req.PageSize == 0 {
		req.PageSize = DefaultDualPageSize
	}
	inboxPage, size := ClampPage(req.InboxPage, req.PageSize, MaxDualPageSize)
	junkPage, _ := ClampPage(req.JunkPage, size, MaxDualPageSize)
	if req.ForceRefresh {
		s.cache.Invalidate(mailbox)
	}

	var inbox, junk *EmailList
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inbox, err = s.list(gctx, mailbox, ViewInbox, inboxPage, size, false)
		return err
	})
	g.Go(func() error {
		var err error
		junk, err = s.list(gctx, mailbox, ViewJunk, junkPage, size, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &DualView{
		Mailbox:     mailbox,
		InboxEmails: inbox.Emails,
		JunkEmails:  junk.Emails,
		InboxTotal:  inbox.Total,
		JunkTotal:   junk.Total,
		InboxPage:   inboxPage,
		JunkPage:    junkPage,
		PageSize:    size,
	}, nil
}

// account normalizes mailbox and checks it is registered.
func (s *Service) account(mailbox string) (string, error) {
	key, err := NormalizeMailbox(mailbox)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Get(key); err != nil {
		return "", err
	}
	return key, nil
}
