package outlook

import (
	"net/mail"
	"strings"
	"time"
)

// Status is the last known liveness of an account's refresh token.
type Status string

const (
	StatusUnknown  Status = ""
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Credential is everything needed to open an IMAP session for one mailbox.
type Credential struct {
	Mailbox      string
	RefreshToken string
	ClientID     string
	AccessToken  string
	Expiry       time.Time
	Status       Status
}

// NormalizeMailbox trims and lower-cases an address and rejects anything that
// is not a bare addr-spec.
func NormalizeMailbox(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", &ValidationError{Field: "email", Reason: "required"}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", &ValidationError{Field: "email", Reason: "not a valid email address"}
	}
	return s, nil
}

// Validate normalizes the mailbox and checks the fields needed for a token
// exchange are present.
func (c Credential) Validate() (Credential, error) {
	mailbox, err := NormalizeMailbox(c.Mailbox)
	if err != nil {
		return c, err
	}
	c.Mailbox = mailbox
	c.RefreshToken = strings.TrimSpace(c.RefreshToken)
	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.RefreshToken == "" {
		return c, &ValidationError{Field: "refresh_token", Reason: "required"}
	}
	if c.ClientID == "" {
		return c, &ValidationError{Field: "client_id", Reason: "required"}
	}
	return c, nil
}

// tokenValid reports whether the cached access token can be used at now,
// leaving margin before its expiry.
func (c Credential) tokenValid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return now.Before(c.Expiry.Add(-margin))
}
