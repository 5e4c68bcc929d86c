package downloader

import "github.com/italolelis/kysync/internal/catalog"

// Plan returns the books of c whose name is not in existing, in catalog order.
// Duplicate names within c are kept as separate entries.
func Plan(c catalog.Catalog, existing map[string]struct{}) []catalog.Book {
	pending := make([]catalog.Book, 0, len(c))

	for _, book := range c {
		if _, ok := existing[book.Name]; ok {
			continue
		}

		pending = append(pending, book)
	}

	return pending
}
