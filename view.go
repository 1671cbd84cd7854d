package outlook

import (
	"fmt"
	"strings"
)

// FolderView names the set of folders a listing covers.
type FolderView string

const (
	ViewInbox FolderView = "inbox"
	ViewJunk  FolderView = "junk"
	ViewAll   FolderView = "all"
)

// Server-side folder names for Outlook.com mailboxes.
const (
	InboxFolder = "INBOX"
	JunkFolder  = "Junk"
)

// ParseFolderView accepts a view name case-insensitively; empty means all.
func ParseFolderView(s string) (FolderView, error) {
	v := FolderView(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return ViewAll, nil
	}
	if v.Folders() == nil {
		return "", &ValidationError{Field: "folder", Reason: fmt.Sprintf("unknown view %q, want inbox, junk or all", s)}
	}
	return v, nil
}

// Folders returns the view's folders in precedence order, or nil for an
// unknown view. Precedence breaks date ties when folders are merged.
func (v FolderView) Folders() []string {
	switch v {
	case ViewInbox:
		return []string{InboxFolder}
	case ViewJunk:
		return []string{JunkFolder}
	case ViewAll:
		return []string{InboxFolder, JunkFolder}
	}
	return nil
}
