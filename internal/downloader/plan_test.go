package downloader

import (
	"testing"

	"github.com/italolelis/kysync/internal/catalog"
	"github.com/stretchr/testify/assert"
)

func TestPlan(t *testing.T) {
	a := catalog.Book{Path: "/Books/Inbox/a.epub", Name: "a.epub", Size: 10}
	b := catalog.Book{Path: "/Books/Inbox/b.epub", Name: "b.epub", Size: 20}
	c := catalog.Book{Path: "/Books/Inbox/c.epub", Name: "c.epub", Size: 30}

	tests := []struct {
		name     string
		catalog  catalog.Catalog
		existing map[string]struct{}
		want     []catalog.Book
	}{
		{
			name:     "empty destination plans everything",
			catalog:  catalog.Catalog{a, b, c},
			existing: map[string]struct{}{},
			want:     []catalog.Book{a, b, c},
		},
		{
			name:     "present book is skipped and order kept",
			catalog:  catalog.Catalog{a, b, c},
			existing: map[string]struct{}{"b.epub": {}},
			want:     []catalog.Book{a, c},
		},
		{
			name:     "everything present",
			catalog:  catalog.Catalog{a, b},
			existing: map[string]struct{}{"a.epub": {}, "b.epub": {}, "other.pdf": {}},
			want:     []catalog.Book{},
		},
		{
			name:     "nil existing set",
			catalog:  catalog.Catalog{c},
			existing: nil,
			want:     []catalog.Book{c},
		},
		{
			name:     "duplicates in the catalog are kept",
			catalog:  catalog.Catalog{a, a},
			existing: map[string]struct{}{},
			want:     []catalog.Book{a, a},
		},
		{
			name:     "empty catalog",
			catalog:  nil,
			existing: map[string]struct{}{"a.epub": {}},
			want:     []catalog.Book{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.catalog, tt.existing))
		})
	}
}

func TestPlan_DoesNotMutateInputs(t *testing.T) {
	books := catalog.Catalog{
		{Path: "/x/1", Name: "1.epub"},
		{Path: "/x/2", Name: "2.epub"},
	}
	existing := map[string]struct{}{"1.epub": {}}

	_ = Plan(books, existing)

	assert.Len(t, books, 2)
	assert.Equal(t, "1.epub", books[0].Name)
	assert.Len(t, existing, 1)
}
