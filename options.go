package outlook

import (
	"net/http"
	"time"
)

const (
	// DefaultIMAPHost is the IMAP endpoint for Outlook.com mailboxes.
	DefaultIMAPHost = "outlook.live.com"
	DefaultIMAPPort = 993

	// CacheTTL is how long a listing stays servable from the result cache.
	CacheTTL = 5 * time.Minute
	// PartialCacheTTL bounds how long a listing missing a failed folder is
	// served before the folder is tried again.
	PartialCacheTTL = 30 * time.Second

	MaxPageSize         = 500
	DefaultPageSize     = 100
	MaxDualPageSize     = 100
	DefaultDualPageSize = 20
)

// Options configures a Service and the components it builds. The zero value
// of any field means "use the default".
type Options struct {
	// AccountsFile is the credential store path.
	AccountsFile string

	TokenURL          string
	Scope             string
	TokenTimeout      time.Duration
	TokenSafetyMargin time.Duration
	HTTPClient        *http.Client

	IMAPHost string
	IMAPPort int

	MaxIdlePerMailbox int
	MaxOpenPerMailbox int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration

	IndexBatchSize  int
	HeaderBatchSize int
	// FetchTimeout bounds the whole protocol work of one listing.
	FetchTimeout time.Duration

	// VerifyConcurrency bounds parallel token exchanges in batch operations.
	VerifyConcurrency int
	// JanitorInterval is how often idle sessions and expired cache entries
	// are swept. Negative disables the janitor.
	JanitorInterval time.Duration

	// Dial overrides how sessions are opened. Nil dials IMAPHost:IMAPPort.
	Dial DialFunc
}

// DefaultOptions returns the settings used for Outlook.com accounts.
func DefaultOptions() Options {
	return Options{
		AccountsFile:      "accounts.json",
		TokenURL:          DefaultTokenURL,
		Scope:             DefaultScope,
		TokenTimeout:      30 * time.Second,
		TokenSafetyMargin: time.Minute,
		HTTPClient:        http.DefaultClient,
		IMAPHost:          DefaultIMAPHost,
		IMAPPort:          DefaultIMAPPort,
		MaxIdlePerMailbox: 2,
		MaxOpenPerMailbox: 4,
		IdleTimeout:       5 * time.Minute,
		AcquireTimeout:    30 * time.Second,
		IndexBatchSize:    1000,
		HeaderBatchSize:   100,
		FetchTimeout:      2 * time.Minute,
		VerifyConcurrency: 8,
		JanitorInterval:   time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AccountsFile == "" {
		o.AccountsFile = d.AccountsFile
	}
	if o.TokenURL == "" {
		o.TokenURL = d.TokenURL
	}
	if o.Scope == "" {
		o.Scope = d.Scope
	}
	if o.TokenTimeout <= 0 {
		o.TokenTimeout = d.TokenTimeout
	}
	if o.TokenSafetyMargin <= 0 {
		o.TokenSafetyMargin = d.TokenSafetyMargin
	}
	if o.HTTPClient == nil {
		o.HTTPClient = d.HTTPClient
	}
	if o.IMAPHost == "" {
		o.IMAPHost = d.IMAPHost
	}
	if o.IMAPPort == 0 {
		o.IMAPPort = d.IMAPPort
	}
	if o.MaxOpenPerMailbox <= 0 {
		o.MaxOpenPerMailbox = d.MaxOpenPerMailbox
	}
	if o.MaxIdlePerMailbox <= 0 {
		o.MaxIdlePerMailbox = d.MaxIdlePerMailbox
	}
	if o.MaxIdlePerMailbox > o.MaxOpenPerMailbox {
		o.MaxIdlePerMailbox = o.MaxOpenPerMailbox
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = d.AcquireTimeout
	}
	if o.IndexBatchSize <= 0 {
		o.IndexBatchSize = d.IndexBatchSize
	}
	if o.HeaderBatchSize <= 0 {
		o.HeaderBatchSize = d.HeaderBatchSize
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout
	}
	if o.VerifyConcurrency <= 0 {
		o.VerifyConcurrency = d.VerifyConcurrency
	}
	if o.JanitorInterval == 0 {
		o.JanitorInterval = d.JanitorInterval
	}
	return o
}
