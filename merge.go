package outlook

import (
	"container/heap"
	"slices"
)

// folderEntry is an index entry tagged with its folder and the folder's
// precedence within the view.
type folderEntry struct {
	IndexEntry
	Folder string
	rank   int
}

// newer is the listing order: date descending, then folder precedence, then
// UID descending. It is a strict total order for entries of one view.
func newer(a, b folderEntry) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.UID > b.UID
}

func compareEntries(a, b folderEntry) int {
	switch {
	case newer(a, b):
		return -1
	case newer(b, a):
		return 1
	}
	return 0
}

func sortFolderIndex(entries []folderEntry) {
	slices.SortFunc(entries, compareEntries)
}

// cursor walks one sorted folder index.
type cursor struct {
	entries []folderEntry
	pos     int
}

type mergeHeap []*cursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return newer(h[i].entries[h[i].pos], h[j].entries[h[j].pos])
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// mergeIndexes k-way merges folder indexes that are each already sorted by
// sortFolderIndex into one sequence in the same order.
func mergeIndexes(folders [][]folderEntry) []folderEntry {
	total := 0
	h := make(mergeHeap, 0, len(folders))
	for _, f := range folders {
		total += len(f)
		if len(f) > 0 {
			h = append(h, &cursor{entries: f})
		}
	}
	heap.Init(&h)

	out := make([]folderEntry, 0, total)
	for h.Len() > 0 {
		c := h[0]
		out = append(out, c.entries[c.pos])
		c.pos++
		if c.pos == len(c.entries) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}

// ClampPage forces page >= 1 and size into [1, maxSize].
func ClampPage(page, size, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	if size > maxSize {
		size = maxSize
	}
	return page, size
}

// pageBounds returns the [start, end) slice of a page over total items.
func pageBounds(total, page, size int) (int, int) {
	start := (page - 1) * size
	if start > total || start < 0 {
		return total, total
	}
	return start, min(start+size, total)
}
