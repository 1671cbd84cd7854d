package outlook

import (
	"strings"
	"time"
)

// AddSlashes escapes a string for use inside an IMAP quoted string
var AddSlashes = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// DialRetries is how many times establishing the TCP/TLS connection is
// retried. Authentication is never retried.
var DialRetries = 2

// DialTimeout defines how long to wait when establishing a new connection.
// Zero means no timeout.
var DialTimeout = 30 * time.Second

// CommandTimeout defines how long to wait for a command to complete.
// Zero means no timeout.
var CommandTimeout = 60 * time.Second

// TLSSkipVerify disables certificate verification when establishing new
// connections. Use with caution; skipping verification exposes the
// connection to man-in-the-middle attacks.
var TLSSkipVerify bool
