//go:build integration

package outlook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Integration tests talk to the real Outlook.com endpoints. They need a
// registered Azure app and a refresh token with IMAP scope:
//
//	OUTLOOK_EMAIL=... OUTLOOK_CLIENT_ID=... OUTLOOK_REFRESH_TOKEN=... \
//	    go test -tags=integration -run Integration -v ./...
//
// The refresh token may be rotated by the server; the rotated value ends up in
// a temporary accounts file and is discarded.

func integrationCredential(t *testing.T) Credential {
	t.Helper()
	c := Credential{
		Mailbox:      os.Getenv("OUTLOOK_EMAIL"),
		ClientID:     os.Getenv("OUTLOOK_CLIENT_ID"),
		RefreshToken: os.Getenv("OUTLOOK_REFRESH_TOKEN"),
	}
	if c.Mailbox == "" || c.ClientID == "" || c.RefreshToken == "" {
		t.Skip("OUTLOOK_EMAIL, OUTLOOK_CLIENT_ID and OUTLOOK_REFRESH_TOKEN must be set")
	}
	return c
}

func TestIntegrationListAndDetail(t *testing.T) {
	cred := integrationCredential(t)
	opts := DefaultOptions()
	opts.AccountsFile = filepath.Join(t.TempDir(), "accounts.json")
	opts.JanitorInterval = -1
	svc, err := NewService(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := svc.RegisterAccount(ctx, cred); err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}

	folders, err := svc.ListFolders(ctx, cred.Mailbox)
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	t.Logf("%d folders", len(folders))

	list, err := svc.ListEmails(ctx, ListRequest{Mailbox: cred.Mailbox, View: ViewAll, PageSize: 10})
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	t.Logf("total %d, partial %v", list.Total, list.Partial)
	for i := 1; i < len(list.Emails); i++ {
		if list.Emails[i].Date.After(list.Emails[i-1].Date) {
			t.Errorf("emails %d and %d out of order", i-1, i)
		}
	}
	if len(list.Emails) == 0 {
		return
	}

	detail, err := svc.GetEmailDetail(ctx, cred.Mailbox, list.Emails[0].ID)
	if err != nil {
		t.Fatalf("GetEmailDetail: %v", err)
	}
	t.Log(detail.String())

	dv, err := svc.DualView(ctx, DualViewRequest{Mailbox: cred.Mailbox, PageSize: 5})
	if err != nil {
		t.Fatalf("DualView: %v", err)
	}
	if dv.InboxTotal+dv.JunkTotal != list.Total && !list.Partial {
		t.Errorf("dual view totals %d+%d != %d", dv.InboxTotal, dv.JunkTotal, list.Total)
	}
}
