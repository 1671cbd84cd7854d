package outlook

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DialFunc opens an authenticated session for mailbox using accessToken.
type DialFunc func(ctx context.Context, mailbox, accessToken string) (Client, error)

// DialIMAP returns a DialFunc connecting to host:port with XOAUTH2.
func DialIMAP(host string, port int) DialFunc {
	return func(ctx context.Context, mailbox, accessToken string) (Client, error) {
		return DialOAuth2(ctx, mailbox, accessToken, host, port)
	}
}

// Session is a pooled client checked out by one caller.
type Session struct {
	Mailbox  string
	client   Client
	lastUsed time.Time
	gen      uint64
	broken   bool
	bucket   *bucket
}

// Client returns the authenticated IMAP client behind the session.
func (s *Session) Client() Client { return s.client }

// Discard marks the session so Release closes it instead of pooling it.
func (s *Session) Discard() { s.broken = true }

type bucket struct {
	slots chan struct{} // one token per open session
	idle  []*Session    // LIFO
	gen   uint64
	refs  int // callers holding or waiting for a slot
}

// SessionPool keeps authenticated sessions per mailbox. It bounds both the
// number of idle sessions kept and the number open at once.
type SessionPool struct {
	tokens TokenSource
	dial   DialFunc

	maxIdle        int
	maxOpen        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration
	now            func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

// NewSessionPool builds a pool opening sessions with dial after fetching an
// access token from tokens.
func NewSessionPool(tokens TokenSource, dial DialFunc, opts Options) *SessionPool {
	opts = opts.withDefaults()
	if dial == nil {
		dial = DialIMAP(opts.IMAPHost, opts.IMAPPort)
	}
	dialTimeout := DialTimeout + CommandTimeout
	if dialTimeout <= 0 {
		dialTimeout = opts.AcquireTimeout
	}
	return &SessionPool{
		tokens:         tokens,
		dial:           dial,
		maxIdle:        opts.MaxIdlePerMailbox,
		maxOpen:        opts.MaxOpenPerMailbox,
		idleTimeout:    opts.IdleTimeout,
		acquireTimeout: opts.AcquireTimeout,
		dialTimeout:    dialTimeout,
		now:            time.Now,
		buckets:        make(map[string]*bucket),
	}
}

// bucket returns the mailbox's bucket with a reference taken.
func (p *SessionPool) bucket(mailbox string) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	b, ok := p.buckets[mailbox]
	if !ok {
		b = &bucket{slots: make(chan struct{}, p.maxOpen)}
		p.buckets[mailbox] = b
	}
	b.refs++
	return b, nil
}

func (p *SessionPool) unref(b *bucket) {
	p.mu.Lock()
	b.refs--
	p.mu.Unlock()
}

// Acquire checks out a session for mailbox, reusing a validated idle one when
// possible. It waits at most the acquire timeout for a free slot.
func (p *SessionPool) Acquire(ctx context.Context, mailbox string) (*Session, error) {
	b, err := p.bucket(mailbox)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		p.unref(b)
		return nil, ctx.Err()
	case <-timer.C:
		p.unref(b)
		return nil, &PoolExhaustedError{Mailbox: mailbox, Waited: p.acquireTimeout}
	}

	for {
		s := p.popIdle(b)
		if s == nil {
			break
		}
		if err := p.validate(ctx, s); err != nil {
			accountLogger(mailbox, "").Debug("discarding stale session", "error", err)
			_ = s.client.Close()
			continue
		}
		return s, nil
	}

	s, err := p.open(ctx, mailbox, b)
	if err != nil {
		<-b.slots
		p.unref(b)
		return nil, err
	}
	return s, nil
}

func (p *SessionPool) popIdle(b *bucket) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(b.idle)
	if n == 0 {
		return nil
	}
	s := b.idle[n-1]
	b.idle[n-1] = nil
	b.idle = b.idle[:n-1]
	return s
}

// validate runs NOOP on a reused session. It is detached from the caller so a
// cancelled request does not throw away a healthy connection.
func (p *SessionPool) validate(ctx context.Context, s *Session) error {
	if !s.client.Alive() {
		return errConnBroken
	}
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
	defer cancel()
	return s.client.Noop(vctx)
}

// open dials a new session. It runs detached from the caller's cancellation
// and is bounded by the dial timeout instead.
func (p *SessionPool) open(ctx context.Context, mailbox string, b *bucket) (*Session, error) {
	// An Evict during the dial must also retire this session.
	p.mu.Lock()
	gen := b.gen
	p.mu.Unlock()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
	defer cancel()

	token, err := p.tokens.AccessToken(dctx, mailbox)
	if err != nil {
		return nil, err
	}
	client, err := p.dial(dctx, mailbox, token)
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			accountLogger(mailbox, "").Warn("failed to open session", "error", err)
		}
		return nil, err
	}

	accountLogger(mailbox, "").Debug("opened session")
	return &Session{Mailbox: mailbox, client: client, lastUsed: p.now(), gen: gen, bucket: b}, nil
}

// Release returns s to the pool, or closes it if it is broken, outdated, or
// the idle stack is full.
func (p *SessionPool) Release(s *Session) {
	if s == nil {
		return
	}
	b := s.bucket
	p.mu.Lock()
	keep := !p.closed && !s.broken && s.client.Alive() &&
		s.gen == b.gen && len(b.idle) < p.maxIdle
	if keep {
		s.lastUsed = p.now()
		b.idle = append(b.idle, s)
	}
	b.refs--
	p.mu.Unlock()

	if !keep {
		_ = s.client.Close()
	}
	<-b.slots
}

// With runs fn with a session for mailbox and always releases it, also when
// fn panics. A session whose fn panicked is closed rather than pooled.
func (p *SessionPool) With(ctx context.Context, mailbox string, fn func(Client) error) error {
	s, err := p.Acquire(ctx, mailbox)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			s.Discard()
		}
		p.Release(s)
	}()
	err = fn(s.client)
	done = true
	return err
}

// Evict closes the idle sessions of mailbox and makes sure sessions currently
// checked out are closed when released.
func (p *SessionPool) Evict(mailbox string) {
	p.mu.Lock()
	b, ok := p.buckets[mailbox]
	var idle []*Session
	if ok {
		b.gen++
		idle = b.idle
		b.idle = nil
		if b.refs == 0 {
			delete(p.buckets, mailbox)
		}
	}
	p.mu.Unlock()
	for _, s := range idle {
		_ = s.client.Close()
	}
}

// ReapIdle closes sessions idle for longer than the idle timeout and drops
// buckets nobody uses. It returns how many sessions were closed.
func (p *SessionPool) ReapIdle() int {
	cutoff := p.now().Add(-p.idleTimeout)
	var stale []*Session

	p.mu.Lock()
	for mailbox, b := range p.buckets {
		kept := b.idle[:0]
		for _, s := range b.idle {
			if s.lastUsed.Before(cutoff) {
				stale = append(stale, s)
			} else {
				kept = append(kept, s)
			}
		}
		clear(b.idle[len(kept):])
		b.idle = kept
		if len(b.idle) == 0 && b.refs == 0 {
			delete(p.buckets, mailbox)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		accountLogger(s.Mailbox, "").Debug("closing idle session")
		_ = s.client.Close()
	}
	return len(stale)
}

// Stats reports idle and open sessions for mailbox.
func (p *SessionPool) Stats(mailbox string) (idle, open int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[mailbox]
	if !ok {
		return 0, 0
	}
	return len(b.idle), len(b.slots)
}

// Close closes every idle session; sessions still checked out are closed as
// they are released.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Session
	for _, b := range p.buckets {
		idle = append(idle, b.idle...)
		b.idle = nil
	}
	p.mu.Unlock()
	for _, s := range idle {
		_ = s.client.Close()
	}
	return nil
}
