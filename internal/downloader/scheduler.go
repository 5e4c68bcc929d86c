package downloader

import (
	"context"
	"sync"

	"github.com/italolelis/kysync/internal/catalog"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the number of concurrent fetches. Past a handful of
// connections the link bandwidth, not request concurrency, is the limit.
const DefaultWorkers = 4

// Fetcher downloads the content of one book.
type Fetcher interface {
	FetchContent(ctx context.Context, path string) ([]byte, error)
}

// Result is the outcome of fetching one pending book: either Content or Err.
type Result struct {
	Book    catalog.Book
	Content []byte
	Err     error
}

// Scheduler runs fetches for pending books with at most workers in flight.
type Scheduler struct {
	fetcher Fetcher
	workers int64
}

func NewScheduler(fetcher Fetcher, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{fetcher: fetcher, workers: int64(workers)}
}

// Run starts fetching pending in submission order and returns a channel that
// yields one Result per book in the order the fetches finish. The channel is
// closed once every result has been delivered.
//
// A slot stays taken until its result is received, so a slow consumer holds
// at most workers fetched books in memory and no new fetch starts meanwhile.
//
// Cancelling ctx stops admitting new books and drops the results of fetches
// that are still running, so the channel may then close early.
func (s *Scheduler) Run(ctx context.Context, pending []catalog.Book) <-chan Result {
	results := make(chan Result)
	slots := semaphore.NewWeighted(s.workers)

	go func() {
		var wg sync.WaitGroup

		defer func() {
			wg.Wait()
			close(results)
		}()

		for _, book := range pending {
			// Blocks until a result of an earlier fetch has been received.
			if err := slots.Acquire(ctx, 1); err != nil {
				return
			}

			wg.Add(1)

			go func() {
				defer wg.Done()
				defer slots.Release(1)

				content, err := s.fetcher.FetchContent(ctx, book.Path)

				select {
				case results <- Result{Book: book, Content: content, Err: err}:
				case <-ctx.Done():
				}
			}()
		}
	}()

	return results
}
