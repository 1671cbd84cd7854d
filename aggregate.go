package outlook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"golang.org/x/sync/errgroup"
)

// EmailList is one page of a listing.
type EmailList struct {
	Mailbox  string           `json:"email_id"`
	View     FolderView       `json:"folder_view"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total_emails"`
	Emails   []MessageSummary `json:"emails"`
	// Partial is set when some folders of the view could not be fetched.
	Partial       bool     `json:"partial,omitempty"`
	FailedFolders []string `json:"failed_folders,omitempty"`
}

// Aggregator builds listings across folders on top of a SessionPool.
type Aggregator struct {
	pool         *SessionPool
	indexBatch   int
	headerBatch  int
	fetchTimeout time.Duration
}

// NewAggregator returns an Aggregator fetching through pool.
func NewAggregator(pool *SessionPool, opts Options) *Aggregator {
	opts = opts.withDefaults()
	return &Aggregator{
		pool:         pool,
		indexBatch:   opts.IndexBatchSize,
		headerBatch:  opts.HeaderBatchSize,
		fetchTimeout: opts.FetchTimeout,
	}
}

// List returns one page of the view's messages, newest first. Each folder is
// indexed on its own session, the indexes are merged, and headers are only
// fetched for the messages on the requested page.
func (a *Aggregator) List(ctx context.Context, mailbox string, view FolderView, page, pageSize int) (*EmailList, error) {
	folders := view.Folders()
	if folders == nil {
		return nil, &ValidationError{Field: "folder", Reason: fmt.Sprintf("unknown view %q", view)}
	}
	page, pageSize = ClampPage(page, pageSize, MaxPageSize)

	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	indexes := make([][]folderEntry, len(folders))
	errs := make([]error, len(folders))
	var g errgroup.Group
	for i, folder := range folders {
		g.Go(func() error {
			indexes[i], errs[i] = a.folderIndex(ctx, mailbox, folder, i)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	var ok [][]folderEntry
	total := 0
	for i, folder := range folders {
		if errs[i] != nil {
			failed[folder] = errs[i]
			accountLogger(mailbox, folder).Warn("folder index failed", "error", errs[i])
			continue
		}
		ok = append(ok, indexes[i])
		total += len(indexes[i])
	}
	if len(failed) == len(folders) {
		return nil, surfaceError(mailbox, folders, errs[0])
	}

	merged := mergeIndexes(ok)
	start, end := pageBounds(len(merged), page, pageSize)
	emails, headerErrs := a.pageSummaries(ctx, mailbox, merged[start:end])
	for folder, err := range headerErrs {
		accountLogger(mailbox, folder).Warn("header fetch failed", "error", err)
		failed[folder] = err
	}
	if len(failed) == len(folders) {
		return nil, surfaceError(mailbox, folders, failed[folders[0]])
	}

	list := &EmailList{
		Mailbox:  mailbox,
		View:     view,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Emails:   emails,
	}
	for _, folder := range folders {
		if _, bad := failed[folder]; bad {
			list.Partial = true
			list.FailedFolders = append(list.FailedFolders, folder)
		}
	}
	return list, nil
}

// folderIndex examines folder and returns its sorted index.
func (a *Aggregator) folderIndex(ctx context.Context, mailbox, folder string, rank int) ([]folderEntry, error) {
	var entries []folderEntry
	err := a.withRetry(ctx, mailbox, folder, func(c Client) error {
		if _, err := c.Examine(ctx, folder); err != nil {
			return err
		}
		uids, err := c.SearchUIDs(ctx)
		if err != nil {
			return err
		}
		entries = make([]folderEntry, 0, len(uids))
		for _, batch := range chunk(uids, a.indexBatch) {
			idx, err := c.FetchIndex(ctx, batch)
			if err != nil {
				return err
			}
			for _, e := range idx {
				entries = append(entries, folderEntry{IndexEntry: e, Folder: folder, rank: rank})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortFolderIndex(entries)
	return entries, nil
}

// pageSummaries fetches headers for entries grouped by folder and returns them
// in entry order. Messages expunged since indexing are skipped.
func (a *Aggregator) pageSummaries(ctx context.Context, mailbox string, entries []folderEntry) ([]MessageSummary, map[string]error) {
	if len(entries) == 0 {
		return []MessageSummary{}, nil
	}

	byFolder := make(map[string][]int)
	var order []string
	for _, e := range entries {
		if _, seen := byFolder[e.Folder]; !seen {
			order = append(order, e.Folder)
		}
		byFolder[e.Folder] = append(byFolder[e.Folder], e.UID)
	}

	var (
		mu     sync.Mutex
		found  = make(map[string]MessageSummary, len(entries))
		failed map[string]error
		g      errgroup.Group
	)
	for _, folder := range order {
		uids := byFolder[folder]
		g.Go(func() error {
			var got []MessageSummary
			err := a.withRetry(ctx, mailbox, folder, func(c Client) error {
				if _, err := c.Examine(ctx, folder); err != nil {
					return err
				}
				got = got[:0]
				for _, batch := range chunk(uids, a.headerBatch) {
					s, err := c.FetchSummaries(ctx, batch)
					if err != nil {
						return err
					}
					got = append(got, s...)
				}
				return nil
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[folder] = err
				return nil
			}
			for _, s := range got {
				found[s.ID] = s
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]MessageSummary, 0, len(entries))
	for _, e := range entries {
		if s, ok := found[MessageID(e.Folder, e.UID)]; ok {
			out = append(out, s)
		}
	}
	return out, failed
}

// Detail fetches one message by the identifier a listing handed out.
func (a *Aggregator) Detail(ctx context.Context, mailbox, messageID string) (*MessageDetail, error) {
	folder, uid, err := ParseMessageID(messageID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	var detail *MessageDetail
	err = a.withRetry(ctx, mailbox, folder, func(c Client) error {
		if _, err := c.Examine(ctx, folder); err != nil {
			return err
		}
		var err error
		detail, err = c.FetchMessage(ctx, uid)
		return err
	})
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%s: %w: %v", messageID, ErrMessageNotFound, err)
		}
		return nil, surfaceError(mailbox, []string{folder}, err)
	}
	return detail, nil
}

// Folders lists the mailbox's folders.
func (a *Aggregator) Folders(ctx context.Context, mailbox string) ([]Folder, error) {
	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()
	var folders []Folder
	err := a.withRetry(ctx, mailbox, "", func(c Client) error {
		var err error
		folders, err = c.ListFolders(ctx)
		return err
	})
	if err != nil {
		return nil, surfaceError(mailbox, nil, err)
	}
	return folders, nil
}

// withRetry runs fn on a pooled session. A timeout leaves the session broken,
// so the work is retried once on another session.
func (a *Aggregator) withRetry(ctx context.Context, mailbox, folder string, fn func(Client) error) error {
	var last error
	_ = retry.Retry(func() error {
		last = a.pool.With(ctx, mailbox, fn)
		if last != nil && isTimeout(last) && ctx.Err() == nil {
			return last
		}
		return nil
	}, 1, func(err error) error {
		accountLogger(mailbox, folder).Warn("fetch timed out, retrying on a fresh session", "error", err)
		return nil
	}, func() error {
		return nil
	})
	return last
}

// surfaceError passes through errors that already say what went wrong
// (authentication, pool pressure, unknown account, cancellation) and wraps
// everything else in a *FetchError.
func surfaceError(mailbox string, folders []string, err error) error {
	var (
		ae *AuthError
		pe *PoolExhaustedError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ae), errors.As(err, &pe), errors.As(err, &ve),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		return err
	}
	return &FetchError{Mailbox: mailbox, Folders: folders, Err: err}
}
