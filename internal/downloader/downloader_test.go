package downloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/italolelis/kysync/internal/catalog"
	"github.com/italolelis/kysync/internal/library"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	listFunc  func(ctx context.Context) (catalog.Catalog, error)
	fetchFunc func(ctx context.Context, path string) ([]byte, error)
	fetches   atomic.Int64
}

func (f *fakeSource) ListInbox(ctx context.Context) (catalog.Catalog, error) {
	return f.listFunc(ctx)
}

func (f *fakeSource) FetchContent(ctx context.Context, path string) ([]byte, error) {
	f.fetches.Add(1)

	return f.fetchFunc(ctx, path)
}

// staticSource serves content keyed by book path.
func staticSource(c catalog.Catalog, content map[string][]byte) *fakeSource {
	return &fakeSource{
		listFunc: func(context.Context) (catalog.Catalog, error) { return c, nil },
		fetchFunc: func(_ context.Context, path string) ([]byte, error) {
			data, ok := content[path]
			if !ok {
				return nil, &catalog.NetworkError{Operation: "download", StatusCode: 404, Message: "404 Not Found"}
			}

			return data, nil
		},
	}
}

type fakeLibrary struct {
	scanFunc    func() (map[string]struct{}, error)
	persistFunc func(name string, content []byte) error
}

func (f *fakeLibrary) ScanExisting() (map[string]struct{}, error) {
	return f.scanFunc()
}

func (f *fakeLibrary) Persist(name string, content []byte) error {
	return f.persistFunc(name, content)
}

type recordingReporter struct {
	mu        sync.Mutex
	planned   Summary
	failed    []string
	persisted []string
	progress  []int
	finished  *Summary
	aborted   error
}

func (r *recordingReporter) Planned(_ context.Context, s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planned = s
}

func (r *recordingReporter) FetchFailed(_ context.Context, book catalog.Book, s Summary, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, book.Name)
	r.progress = append(r.progress, s.Completed)
}

func (r *recordingReporter) Persisted(_ context.Context, book catalog.Book, s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, book.Name)
	r.progress = append(r.progress, s.Completed)
}

func (r *recordingReporter) Finished(_ context.Context, s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = &s
}

func (r *recordingReporter) Aborted(_ context.Context, _ Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = err
}

func newMemLibrary(t *testing.T) (*library.Library, billy.Filesystem) {
	t.Helper()

	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("books", 0o755))

	root, err := fs.Chroot("books")
	require.NoError(t, err)

	return library.New(root), root
}

func book(name string, size int64) catalog.Book {
	return catalog.Book{Path: "/Books/Inbox/" + name, Name: name, Size: size}
}

func TestSync_SingleBookIntoEmptyDestination(t *testing.T) {
	lib, fs := newMemLibrary(t)
	b := book("dune.epub", 5)
	src := staticSource(catalog.Catalog{b}, map[string][]byte{b.Path: []byte("spice")})
	rep := &recordingReporter{}

	summary, err := NewDownloader(src, lib, rep, nil, DefaultWorkers).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.fetches.Load())
	assert.Equal(t, Summary{Listed: 1, Planned: 1, Completed: 1, Persisted: 1, Bytes: 5}, summary)

	data, err := util.ReadFile(fs, "dune.epub")
	require.NoError(t, err)
	assert.Equal(t, []byte("spice"), data)

	require.NotNil(t, rep.finished)
	assert.Equal(t, summary, *rep.finished)
	assert.Equal(t, []string{"dune.epub"}, rep.persisted)
	assert.NoError(t, rep.aborted)
}

func TestSync_SkipsBooksAlreadyPresent(t *testing.T) {
	lib, fs := newMemLibrary(t)
	require.NoError(t, util.WriteFile(fs, "two.epub", []byte("old"), 0o644))

	c := catalog.Catalog{book("one.epub", 1), book("two.epub", 2), book("three.epub", 3)}
	src := staticSource(c, map[string][]byte{
		c[0].Path: []byte("1"),
		c[1].Path: []byte("22"),
		c[2].Path: []byte("333"),
	})
	rep := &recordingReporter{}

	summary, err := NewDownloader(src, lib, rep, nil, 1).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), src.fetches.Load())
	assert.Equal(t, Summary{Listed: 3, Present: 1, Planned: 2}, rep.planned)
	assert.ElementsMatch(t, []string{"one.epub", "three.epub"}, rep.persisted)
	assert.Equal(t, 2, summary.Persisted)

	data, err := util.ReadFile(fs, "two.epub")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)
}

func TestSync_FetchFailureSkipsBook(t *testing.T) {
	lib, fs := newMemLibrary(t)

	first, second := book("first.epub", 3), book("second.epub", 3)
	src := staticSource(catalog.Catalog{first, second}, map[string][]byte{second.Path: []byte("two")})
	rep := &recordingReporter{}

	summary, err := NewDownloader(src, lib, rep, nil, 2).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first.epub"}, rep.failed)
	assert.Equal(t, []string{"second.epub"}, rep.persisted)
	assert.Equal(t, Summary{Listed: 2, Planned: 2, Completed: 2, Persisted: 1, Skipped: 1, Bytes: 3}, summary)
	assert.ElementsMatch(t, []int{1, 2}, rep.progress)

	_, err = fs.Stat("first.epub")
	assert.Error(t, err)
}

func TestSync_PersistFailureAbortsRun(t *testing.T) {
	c := catalog.Catalog{book("a.epub", 1), book("b.epub", 1), book("c.epub", 1)}

	var (
		mu      sync.Mutex
		fetched []string
	)

	src := &fakeSource{
		listFunc: func(context.Context) (catalog.Catalog, error) { return c, nil },
		fetchFunc: func(ctx context.Context, path string) ([]byte, error) {
			mu.Lock()
			fetched = append(fetched, path)
			mu.Unlock()

			if path == c[0].Path {
				return []byte("a"), nil
			}

			<-ctx.Done()

			return nil, ctx.Err()
		},
	}

	diskFull := errors.New("no space left on device")
	lib := &fakeLibrary{
		scanFunc: func() (map[string]struct{}, error) { return map[string]struct{}{}, nil },
		persistFunc: func(name string, _ []byte) error {
			return &library.IOError{Op: "persist", Path: name, Err: diskFull}
		},
	}
	rep := &recordingReporter{}

	summary, err := NewDownloader(src, lib, rep, nil, 1).Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `persisting "a.epub"`)
	require.ErrorIs(t, err, diskFull)

	var ioErr *library.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "persist", ioErr.Op)

	assert.Equal(t, err, rep.aborted)
	assert.Nil(t, rep.finished)
	assert.Zero(t, summary.Persisted)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, fetched, c[2].Path)
}

func TestSync_SlowFailingPersistBoundsFetches(t *testing.T) {
	const workers = 2

	c := make(catalog.Catalog, 0, 20)
	content := make(map[string][]byte, 20)

	for _, b := range books(20) {
		c = append(c, b)
		content[b.Path] = []byte(b.Name)
	}

	src := staticSource(c, content)

	var fetchedDuringPersist int64

	lib := &fakeLibrary{
		scanFunc: func() (map[string]struct{}, error) { return nil, nil },
		persistFunc: func(name string, _ []byte) error {
			time.Sleep(300 * time.Millisecond)
			fetchedDuringPersist = src.fetches.Load()

			return &library.IOError{Op: library.OpPersist, Path: name, Err: errors.New("read-only file system")}
		},
	}
	rep := &recordingReporter{}

	_, err := NewDownloader(src, lib, rep, nil, workers).Sync(context.Background())
	require.Error(t, err)
	require.Error(t, rep.aborted)

	assert.LessOrEqual(t, fetchedDuringPersist, int64(workers+1))

	// Give dropped workers time to exit; cancellation admits nothing new.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, src.fetches.Load(), int64(workers+1))
}

func TestSync_SlowPersistBoundsFetches(t *testing.T) {
	const workers = 3

	c := make(catalog.Catalog, 0, 15)
	content := make(map[string][]byte, 15)

	for _, b := range books(15) {
		c = append(c, b)
		content[b.Path] = []byte(b.Name)
	}

	src := staticSource(c, content)

	var (
		first                bool
		fetchedDuringPersist int64
	)

	lib := &fakeLibrary{
		scanFunc: func() (map[string]struct{}, error) { return nil, nil },
		persistFunc: func(string, []byte) error {
			if !first {
				first = true

				time.Sleep(200 * time.Millisecond)
				fetchedDuringPersist = src.fetches.Load()
			}

			return nil
		},
	}

	summary, err := NewDownloader(src, lib, &recordingReporter{}, nil, workers).Sync(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, fetchedDuringPersist, int64(workers+1))
	assert.Equal(t, 15, summary.Persisted)
	assert.Equal(t, int64(15), src.fetches.Load())
}

func TestSync_ListingFailureIsFatal(t *testing.T) {
	lib, _ := newMemLibrary(t)
	src := &fakeSource{
		listFunc: func(context.Context) (catalog.Catalog, error) {
			return nil, &catalog.DecodeError{Operation: "list", Err: errors.New("unexpected EOF")}
		},
	}
	rep := &recordingReporter{}

	_, err := NewDownloader(src, lib, rep, nil, 1).Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing inbox")

	var decodeErr *catalog.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
	assert.Zero(t, src.fetches.Load())
}

func TestSync_ScanFailureIsFatal(t *testing.T) {
	src := staticSource(catalog.Catalog{book("a.epub", 1)}, nil)
	lib := &fakeLibrary{
		scanFunc: func() (map[string]struct{}, error) {
			return nil, &library.IOError{Op: "scan", Path: "books", Err: errors.New("permission denied")}
		},
	}

	_, err := NewDownloader(src, lib, &recordingReporter{}, nil, 1).Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning destination")
	assert.Zero(t, src.fetches.Load())
}

func TestSync_IsIdempotent(t *testing.T) {
	lib, _ := newMemLibrary(t)
	c := catalog.Catalog{book("a.epub", 1), book("b.epub", 1)}
	src := staticSource(c, map[string][]byte{c[0].Path: []byte("a"), c[1].Path: []byte("b")})

	_, err := NewDownloader(src, lib, &recordingReporter{}, nil, 2).Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), src.fetches.Load())

	rep := &recordingReporter{}
	summary, err := NewDownloader(src, lib, rep, nil, 2).Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), src.fetches.Load())
	assert.Equal(t, Summary{Listed: 2, Present: 2}, summary)
}

func TestSync_PersistsNeverOverlap(t *testing.T) {
	c := make(catalog.Catalog, 0, 10)
	content := make(map[string][]byte, 10)

	for _, b := range books(10) {
		c = append(c, b)
		content[b.Path] = []byte(b.Name)
	}

	var active, overlaps atomic.Int64

	written := make(map[string][]byte)
	lib := &fakeLibrary{
		scanFunc: func() (map[string]struct{}, error) { return nil, nil },
		persistFunc: func(name string, data []byte) error {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer active.Add(-1)

			time.Sleep(time.Millisecond)
			written[name] = data

			return nil
		},
	}

	summary, err := NewDownloader(staticSource(c, content), lib, &recordingReporter{}, nil, 4).Sync(context.Background())
	require.NoError(t, err)

	assert.Zero(t, overlaps.Load())
	assert.Equal(t, 10, summary.Persisted)

	for _, b := range c {
		assert.Equal(t, []byte(b.Name), written[b.Name])
	}
}
