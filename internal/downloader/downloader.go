package downloader

import (
	"context"
	"fmt"

	"github.com/italolelis/kysync/internal/catalog"
	"github.com/italolelis/kysync/internal/logctx"
	"github.com/italolelis/kysync/internal/telemetry"
)

// Library is the local side of a sync: what is already there and where
// fetched books are written.
type Library interface {
	ScanExisting() (map[string]struct{}, error)
	Persist(name string, content []byte) error
}

// Downloader synchronizes the remote inbox into a library.
type Downloader struct {
	source    catalog.Source
	library   Library
	reporter  Reporter
	telemetry *telemetry.Telemetry
	workers   int
}

func NewDownloader(
	source catalog.Source,
	library Library,
	reporter Reporter,
	tel *telemetry.Telemetry,
	workers int,
) *Downloader {
	return &Downloader{
		source:    source,
		library:   library,
		reporter:  reporter,
		telemetry: tel,
		workers:   workers,
	}
}

// Sync downloads every inbox book that is missing from the library.
//
// A failed fetch is reported and the book skipped. A failed write stops the
// run at once: no further books are started and the error is returned.
// Files written before the failure, including a partially written one,
// are left in place.
func (d *Downloader) Sync(ctx context.Context) (Summary, error) {
	var summary Summary

	logger := logctx.LoggerFromContext(ctx)

	books, err := d.source.ListInbox(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing inbox: %w", err)
	}

	logger.InfoContext(ctx, "listed inbox",
		"count", len(books),
		"total_size", humanBytes(books.TotalSize()),
	)

	existing, err := d.library.ScanExisting()
	if err != nil {
		return summary, fmt.Errorf("scanning destination: %w", err)
	}

	pending := Plan(books, existing)

	summary.Listed = len(books)
	summary.Present = len(books) - len(pending)
	summary.Planned = len(pending)

	d.reporter.Planned(ctx, summary)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.DebugContext(ctx, "queueing books", "names", catalog.Catalog(pending).Names())

	for res := range NewScheduler(d.source, d.workers).Run(runCtx, pending) {
		summary.Completed++

		if res.Err != nil {
			summary.Skipped++
			d.reporter.FetchFailed(ctx, res.Book, summary, res.Err)

			continue
		}

		if err := d.persist(ctx, res); err != nil {
			cancel()

			err = fmt.Errorf("persisting %q: %w", res.Book.Name, err)
			d.reporter.Aborted(ctx, summary, err)
			d.telemetry.RecordRun(ctx, "aborted")

			return summary, err
		}

		summary.Persisted++
		summary.Bytes += int64(len(res.Content))
		d.reporter.Persisted(ctx, res.Book, summary)
	}

	d.reporter.Finished(ctx, summary)
	d.telemetry.RecordRun(ctx, "success")

	return summary, nil
}

func (d *Downloader) persist(ctx context.Context, res Result) error {
	return d.telemetry.InstrumentPersist(ctx, int64(len(res.Content)), func(context.Context) error {
		return d.library.Persist(res.Book.Name, res.Content)
	})
}
