package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// fakeTokenEndpoint serves refresh-token grants. Tokens listed in rejected
// get invalid_grant; every other token is exchanged for "at-<n>".
type fakeTokenEndpoint struct {
	*httptest.Server
	calls    atomic.Int32
	gate     chan struct{}
	rotate   bool
	status   int

	mu       sync.Mutex
	rejected map[string]bool
}

func (f *fakeTokenEndpoint) reject(refreshToken string) {
	f.mu.Lock()
	f.rejected[refreshToken] = true
	f.mu.Unlock()
}

func (f *fakeTokenEndpoint) isRejected(refreshToken string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected[refreshToken]
}

func newFakeTokenEndpoint(t *testing.T) *fakeTokenEndpoint {
	t.Helper()
	f := &fakeTokenEndpoint{rejected: make(map[string]bool)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeTokenEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("client_id") == "" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	rt := r.PostForm.Get("refresh_token")
	switch {
	case f.status != 0:
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"error":"temporarily_unavailable"}`)
	case f.isRejected(rt):
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"AADSTS70000: token expired"}`)
	default:
		newRT := ""
		if f.rotate {
			newRT = fmt.Sprintf(`,"refresh_token":"rt-rotated-%d"`, n)
		}
		fmt.Fprintf(w, `{"access_token":"at-%d","token_type":"Bearer","expires_in":3600%s}`, n, newRT)
	}
}

func newTestTokenManager(t *testing.T, endpoint *fakeTokenEndpoint) (*TokenManager, *FileStore) {
	t.Helper()
	store := newTestStore(t)
	opts := DefaultOptions()
	opts.TokenURL = endpoint.URL
	opts.HTTPClient = endpoint.Client()
	return NewTokenManager(store, opts), store
}

func TestAccessTokenSingleRefresh(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	endpoint.gate = make(chan struct{})
	endpoint.rotate = true
	tm, store := newTestTokenManager(t, endpoint)
	if err := store.Put(testCredential("a@outlook.com")); err != nil {
		t.Fatal(err)
	}

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = tm.AccessToken(context.Background(), "a@outlook.com")
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(endpoint.gate)
	wg.Wait()

	if got := endpoint.calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
	for i := range callers {
		if errs[i] != nil || tokens[i] != "at-1" {
			t.Errorf("caller %d got %q, %v", i, tokens[i], errs[i])
		}
	}

	c, _ := store.Get("a@outlook.com")
	if c.AccessToken != "at-1" || c.RefreshToken != "rt-rotated-1" || c.Status != StatusActive {
		t.Errorf("stored credential = %+v", c)
	}
	if time.Until(c.Expiry) < 50*time.Minute {
		t.Errorf("expiry = %v", c.Expiry)
	}

	// The cached token is reused without another exchange.
	if tok, err := tm.AccessToken(context.Background(), "a@outlook.com"); err != nil || tok != "at-1" {
		t.Errorf("second AccessToken = %q, %v", tok, err)
	}
	if got := endpoint.calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times after reuse", got)
	}
}

func TestAccessTokenSafetyMargin(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	tm, store := newTestTokenManager(t, endpoint)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	c := testCredential("a@outlook.com")
	c.AccessToken = "cached"
	c.Expiry = now.Add(90 * time.Second)
	if err := store.Put(c); err != nil {
		t.Fatal(err)
	}
	if tok, _ := tm.AccessToken(context.Background(), "a@outlook.com"); tok != "cached" {
		t.Errorf("token with 90s left = %q, want cached", tok)
	}

	now = now.Add(45 * time.Second)
	tok, err := tm.AccessToken(context.Background(), "a@outlook.com")
	if err != nil {
		t.Fatal(err)
	}
	if tok == "cached" || endpoint.calls.Load() != 1 {
		t.Errorf("token inside the safety margin was reused: %q", tok)
	}
}

func TestAccessTokenInvalidGrant(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	tm, store := newTestTokenManager(t, endpoint)
	c := testCredential("a@outlook.com")
	endpoint.reject(c.RefreshToken)
	if err := store.Put(c); err != nil {
		t.Fatal(err)
	}

	_, err := tm.AccessToken(context.Background(), "a@outlook.com")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != AuthInvalidGrant {
		t.Fatalf("AccessToken = %v, want invalid_grant AuthError", err)
	}
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.ErrorCode != "invalid_grant" {
		t.Errorf("expected a wrapped RetrieveError, got %v", err)
	}

	got, _ := store.Get("a@outlook.com")
	if got.Status != StatusInactive || got.RefreshToken != c.RefreshToken {
		t.Errorf("credential after invalid_grant = %+v", got)
	}

	// Inactive accounts fail fast without calling the endpoint.
	_, err = tm.AccessToken(context.Background(), "a@outlook.com")
	if !errors.As(err, &authErr) || authErr.Reason != AuthInvalidGrant {
		t.Errorf("second AccessToken = %v", err)
	}
	if n := endpoint.calls.Load(); n != 1 {
		t.Errorf("endpoint called %d times", n)
	}
}

func TestAccessTokenServerError(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	endpoint.status = http.StatusInternalServerError
	tm, store := newTestTokenManager(t, endpoint)
	if err := store.Put(testCredential("a@outlook.com")); err != nil {
		t.Fatal(err)
	}

	_, err := tm.AccessToken(context.Background(), "a@outlook.com")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != AuthServer {
		t.Fatalf("AccessToken = %v, want server AuthError", err)
	}
	got, _ := store.Get("a@outlook.com")
	if got.Status != StatusUnknown || got.AccessToken != "" {
		t.Errorf("credential mutated by a server error: %+v", got)
	}
}

func TestAccessTokenUnknownMailbox(t *testing.T) {
	tm, _ := newTestTokenManager(t, newFakeTokenEndpoint(t))
	if _, err := tm.AccessToken(context.Background(), "nobody@outlook.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AccessToken = %v, want ErrNotFound", err)
	}
}

func TestAccessTokenCallerDeadline(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	endpoint.gate = make(chan struct{})
	tm, store := newTestTokenManager(t, endpoint)
	if err := store.Put(testCredential("a@outlook.com")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tm.AccessToken(ctx, "a@outlook.com")
	var te *TimeoutError
	if !errors.As(err, &te) || te.Layer != LayerToken {
		t.Errorf("AccessToken = %v, want token TimeoutError", err)
	}

	// The detached refresh still completes for later callers.
	close(endpoint.gate)
	if tok, err := tm.AccessToken(context.Background(), "a@outlook.com"); err != nil || tok != "at-1" {
		t.Errorf("AccessToken after release = %q, %v", tok, err)
	}
}

func TestVerifyDoesNotStore(t *testing.T) {
	endpoint := newFakeTokenEndpoint(t)
	tm, store := newTestTokenManager(t, endpoint)

	tok, err := tm.Verify(context.Background(), testCredential("new@outlook.com"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tok.AccessToken != "at-1" || tok.Expiry.IsZero() {
		t.Errorf("token = %+v", tok)
	}
	if len(store.List()) != 0 {
		t.Error("Verify must not store anything")
	}

	var ve *ValidationError
	if _, err := tm.Verify(context.Background(), Credential{Mailbox: "x@outlook.com"}); !errors.As(err, &ve) {
		t.Errorf("Verify without refresh token = %v", err)
	}
}
