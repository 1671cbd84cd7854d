package outlook

import (
	"context"
	"fmt"
)

// Folder is one entry of a LIST response.
type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// FolderStatus is what EXAMINE reports about a folder.
type FolderStatus struct {
	Name        string
	Exists      int
	UIDValidity uint32
}

// ListFolders retrieves every folder visible to the account.
func (c *Conn) ListFolders(ctx context.Context) ([]Folder, error) {
	folders := make([]Folder, 0, 8)
	err := c.Exec(ctx, `LIST "" "*"`, func(line string) error {
		f, ok, err := parseListLine(line)
		if err != nil || !ok {
			return err
		}
		folders = append(folders, *f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// Examine opens folder read-only, so nothing done afterwards can change
// message flags.
func (c *Conn) Examine(ctx context.Context, folder string) (*FolderStatus, error) {
	status := &FolderStatus{Name: folder}
	err := c.Exec(ctx, "EXAMINE "+quoteString(folder), func(line string) error {
		if n, ok := parseExistsLine(line); ok {
			status.Exists = n
		}
		if v, ok := parseUIDValidity(line); ok {
			status.UIDValidity = v
		}
		return nil
	})
	if err != nil {
		c.Folder = ""
		return nil, err
	}
	c.Folder = folder
	return status, nil
}

// SearchUIDs returns every UID in the examined folder.
func (c *Conn) SearchUIDs(ctx context.Context) ([]int, error) {
	if c.Folder == "" {
		return nil, fmt.Errorf("UID SEARCH: no folder examined")
	}
	var uids []int
	err := c.Exec(ctx, "UID SEARCH ALL", func(line string) error {
		found, ok, err := parseSearchLine(dropNl(line))
		if err != nil || !ok {
			return err
		}
		uids = append(uids, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}
