package outlook

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no credential is registered for a mailbox.
	ErrNotFound = errors.New("account not found")

	// ErrMessageNotFound is returned when a message identifier does not
	// resolve to a message on the server.
	ErrMessageNotFound = errors.New("message not found")

	// ErrPoolExhausted matches every *PoolExhaustedError.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrClosed is returned by operations on a closed pool or service.
	ErrClosed = errors.New("outlook: closed")
)

// ValidationError reports a malformed request parameter or credential field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthReason classifies why a mailbox could not be authenticated.
type AuthReason string

const (
	// AuthInvalidGrant means the refresh token was rejected; the account stays
	// inactive until its credential is replaced.
	AuthInvalidGrant AuthReason = "invalid_grant"
	AuthNetwork      AuthReason = "network"
	AuthServer       AuthReason = "server"
	// AuthRejected means the IMAP server refused the XOAUTH2 exchange.
	AuthRejected AuthReason = "rejected"
)

// AuthError reports a failure to obtain a usable access token or to
// authenticate an IMAP session with it.
type AuthError struct {
	Mailbox string
	Reason  AuthReason
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth %s: %s", e.Mailbox, e.Reason)
	}
	return fmt.Sprintf("auth %s: %s: %v", e.Mailbox, e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PoolExhaustedError is returned when no session for a mailbox became free
// within the acquire timeout.
type PoolExhaustedError struct {
	Mailbox string
	Waited  time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("session pool exhausted for %s after %s", e.Mailbox, e.Waited)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// FetchError reports that a listing or message fetch could not be served.
type FetchError struct {
	Mailbox string
	Folders []string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s [%s]: %v", e.Mailbox, strings.Join(e.Folders, ","), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Layer names where a TimeoutError happened.
type Layer string

const (
	LayerToken   Layer = "token"
	LayerSession Layer = "session"
	LayerFetch   Layer = "fetch"
)

// TimeoutError reports an expired deadline at a specific layer.
type TimeoutError struct {
	Layer Layer
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout: %v", e.Layer, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// CommandError is a tagged NO or BAD reply from the IMAP server. The
// connection stays usable after one.
type CommandError struct {
	Command string
	Status  string
	Text    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imap command failed: %s %s: %s", e.Command, e.Status, e.Text)
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
