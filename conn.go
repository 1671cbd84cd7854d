package outlook

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
)

var nextConnNum atomic.Int64

// Client is an authenticated IMAP session as used by the pool and the
// aggregator. *Conn is the production implementation.
type Client interface {
	Noop(ctx context.Context) error
	ListFolders(ctx context.Context) ([]Folder, error)
	Examine(ctx context.Context, folder string) (*FolderStatus, error)
	SearchUIDs(ctx context.Context) ([]int, error)
	FetchIndex(ctx context.Context, uids []int) ([]IndexEntry, error)
	FetchSummaries(ctx context.Context, uids []int) ([]MessageSummary, error)
	FetchMessage(ctx context.Context, uid int) (*MessageDetail, error)
	// Alive is false once the connection saw an I/O error or a BYE.
	Alive() bool
	Close() error
}

// Conn represents an IMAP connection
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	Username string
	Host     string
	Port     int
	ConnNum  int
	// Folder is the currently examined folder.
	Folder string
	broken bool
	closed bool
}

var _ Client = (*Conn)(nil)

// dialHost establishes a TLS connection to the IMAP server
func dialHost(ctx context.Context, host string, port int) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DialTimeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: TLSSkipVerify,
		},
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// DialOAuth2 connects to host:port over TLS and authenticates username with
// XOAUTH2. Only the connection step is retried; a rejected token fails
// immediately with an *AuthError.
func DialOAuth2(ctx context.Context, username, accessToken, host string, port int) (*Conn, error) {
	connNum := int(nextConnNum.Add(1) - 1)

	var (
		c       *Conn
		lastErr error
	)
	_ = retry.Retry(func() error {
		if lastErr = ctx.Err(); lastErr != nil {
			return &retry.PermFail{Err: lastErr}
		}
		debugLog(connNum, username, "", "establishing connection", "host", host, "port", port)
		nc, err := dialHost(ctx, host, port)
		if err != nil {
			lastErr = err
			return err
		}
		conn := &Conn{
			conn:     nc,
			r:        bufio.NewReader(nc),
			Username: username,
			Host:     host,
			Port:     port,
			ConnNum:  connNum,
		}
		if err := conn.readGreeting(ctx); err != nil {
			_ = nc.Close()
			lastErr = err
			return err
		}
		c, lastErr = conn, nil
		return nil
	}, DialRetries, func(err error) error {
		warnLog(connNum, username, "", "failed to connect, retrying shortly", "error", err)
		return nil
	}, func() error {
		debugLog(connNum, username, "", "retrying connection now")
		return nil
	})
	if err := lastErr; err != nil {
		if isNetTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Layer: LayerSession, Err: err}
		}
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	if err := c.Authenticate(ctx, username, accessToken); err != nil {
		debugLog(connNum, username, "", "authentication failed", "error", err)
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) readGreeting(ctx context.Context) error {
	deadline := time.Time{}
	if DialTimeout > 0 {
		deadline = time.Now().Add(DialTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	line, err := c.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	line = dropNl(line)
	debugLog(c.ConnNum, c.Username, "", "server greeting", "greeting", line)
	upper := strings.ToUpper(line)
	if strings.HasPrefix(upper, "* OK") || strings.HasPrefix(upper, "* PREAUTH") {
		return nil
	}
	return fmt.Errorf("unexpected greeting: %q", line)
}

// Alive reports whether the connection can still carry commands.
func (c *Conn) Alive() bool {
	return !c.broken && !c.closed
}

// Noop pings the server; the pool uses it to validate idle sessions.
func (c *Conn) Noop(ctx context.Context) error {
	return c.Exec(ctx, "NOOP", nil)
}

// Close logs out politely when the connection is healthy, then closes it.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if !c.broken {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Exec(ctx, "LOGOUT", nil)
		cancel()
	}
	c.closed = true
	debugLog(c.ConnNum, c.Username, c.Folder, "closing connection")
	return c.conn.Close()
}
