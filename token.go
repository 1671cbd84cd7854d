package outlook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTokenURL is the Microsoft identity endpoint for personal
	// (consumer) Outlook accounts.
	DefaultTokenURL = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	// DefaultScope grants IMAP access and keeps the refresh token alive.
	DefaultScope = "https://outlook.office.com/IMAP.AccessAsUser.All offline_access"

	maxTokenResponse = 1 << 20
)

// TokenSource hands out access tokens for a mailbox.
type TokenSource interface {
	AccessToken(ctx context.Context, mailbox string) (string, error)
}

// TokenManager turns stored refresh tokens into access tokens, refreshing at
// most once at a time per mailbox.
type TokenManager struct {
	store    CredentialStore
	client   *http.Client
	tokenURL string
	scope    string
	margin   time.Duration
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group
}

var _ TokenSource = (*TokenManager)(nil)

// NewTokenManager builds a TokenManager reading and updating store.
func NewTokenManager(store CredentialStore, opts Options) *TokenManager {
	opts = opts.withDefaults()
	return &TokenManager{
		store:    store,
		client:   opts.HTTPClient,
		tokenURL: opts.TokenURL,
		scope:    opts.Scope,
		margin:   opts.TokenSafetyMargin,
		timeout:  opts.TokenTimeout,
		now:      time.Now,
	}
}

// AccessToken returns a token for mailbox that stays valid for at least the
// safety margin, refreshing it first if needed. Concurrent callers for the
// same mailbox share one refresh; ctx only bounds this caller's wait.
func (m *TokenManager) AccessToken(ctx context.Context, mailbox string) (string, error) {
	cred, err := m.store.Get(mailbox)
	if err != nil {
		return "", err
	}
	if cred.Status == StatusInactive {
		return "", &AuthError{Mailbox: cred.Mailbox, Reason: AuthInvalidGrant, Err: errors.New("refresh token was rejected, re-register the account")}
	}
	if cred.tokenValid(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	ch := m.group.DoChan(cred.Mailbox, func() (any, error) {
		return m.refresh(cred.Mailbox)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Layer: LayerToken, Err: ctx.Err()}
		}
		return "", ctx.Err()
	}
}

// refresh runs detached from any caller. The credential is re-read so a
// refresh that completed while this one was queued is reused.
func (m *TokenManager) refresh(mailbox string) (string, error) {
	cred, err := m.store.Get(mailbox)
	if err != nil {
		return "", err
	}
	if cred.tokenValid(m.now(), m.margin) {
		return cred.AccessToken, nil
	}

	logger := accountLogger(cred.Mailbox, "")
	var tok *oauth2.Token
	var exErr error
	_ = retry.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		tok, exErr = m.exchange(ctx, cred)
		if exErr != nil && isTimeout(exErr) {
			return exErr
		}
		return nil
	}, 1, func(err error) error {
		logger.Warn("token refresh timed out, retrying", "error", err)
		return nil
	}, func() error {
		return nil
	})

	if exErr != nil {
		var ae *AuthError
		if errors.As(exErr, &ae) && ae.Reason == AuthInvalidGrant {
			if err := m.store.MarkInactive(cred.Mailbox, cred.RefreshToken); err != nil {
				logger.Error("failed to mark account inactive", "error", err)
			}
		}
		logger.Warn("token refresh failed", "error", exErr)
		return "", exErr
	}

	if err := m.store.RecordRefresh(cred.Mailbox, cred.RefreshToken, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		// The token is still good for this process; the next start refreshes again.
		logger.Error("failed to persist refreshed token", "error", err)
	}
	logger.Debug("access token refreshed", "expires", tok.Expiry)
	return tok.AccessToken, nil
}

// Verify exchanges cred's refresh token without touching the store.
func (m *TokenManager) Verify(ctx context.Context, cred Credential) (*oauth2.Token, error) {
	cred, err := cred.Validate()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.exchange(ctx, cred)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

func (m *TokenManager) exchange(ctx context.Context, cred Credential) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":     {cred.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"scope":         {m.scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			err = &TimeoutError{Layer: LayerToken, Err: err}
		}
		return nil, &AuthError{Mailbox: cred.Mailbox, Reason: AuthNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		if isNetTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Layer: LayerToken, Err: err}
		}
		return nil, &AuthError{Mailbox: cred.Mailbox, Reason: AuthNetwork, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		rerr := &oauth2.RetrieveError{Response: resp, Body: body}
		var e tokenErrorResponse
		if json.Unmarshal(body, &e) == nil {
			rerr.ErrorCode = e.Error
			rerr.ErrorDescription = e.ErrorDescription
			rerr.ErrorURI = e.ErrorURI
		}
		reason := AuthServer
		if rerr.ErrorCode == "invalid_grant" {
			reason = AuthInvalidGrant
		}
		return nil, &AuthError{Mailbox: cred.Mailbox, Reason: reason, Err: rerr}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Mailbox: cred.Mailbox, Reason: AuthServer, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Mailbox: cred.Mailbox, Reason: AuthServer, Err: errors.New("token response has no access_token")}
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}
	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Expiry:       started.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
