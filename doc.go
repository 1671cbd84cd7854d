// Package outlook keeps Outlook mailboxes readable over IMAP without
// re-authenticating on every request.
//
// It covers the handful of pieces a mailbox reader needs:
//
//   - A file-backed credential store with atomic, crash-safe writes
//   - OAuth2 refresh-token exchange with single-flight refresh per mailbox
//   - A per-mailbox pool of authenticated IMAP (XOAUTH2) sessions
//   - Cross-folder listings merged by date and paginated globally
//   - A short-lived result cache with per-mailbox invalidation
//
// The IMAP client underneath is intentionally small: LIST, EXAMINE,
// UID SEARCH, UID FETCH and NOOP are the only commands it issues, and every
// fetch uses BODY.PEEK so reading never marks a message as seen.
//
// Most programs only need a Service:
//
//	svc, err := outlook.NewService(outlook.DefaultOptions())
//	if err != nil { ... }
//	defer svc.Close()
//	list, err := svc.ListEmails(ctx, outlook.ListRequest{Mailbox: "me@outlook.com", View: outlook.ViewAll})
package outlook
