package catalog

import "context"

// Book describes one document in the remote inbox.
type Book struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Catalog is the ordered snapshot of the inbox returned for a single run.
type Catalog []Book

// Names returns the book names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for _, b := range c {
		names = append(names, b.Name)
	}

	return names
}

// TotalSize sums the advertised sizes of all books.
func (c Catalog) TotalSize() int64 {
	var total int64
	for _, b := range c {
		total += b.Size
	}

	return total
}

// Source lists the inbox and fetches book content.
// Implementations must be safe for concurrent FetchContent calls.
type Source interface {
	ListInbox(ctx context.Context) (Catalog, error)
	FetchContent(ctx context.Context, path string) ([]byte, error)
}
