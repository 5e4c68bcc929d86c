package downloader

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/kysync/internal/catalog"
)

// Summary describes the outcome of one synchronization run.
type Summary struct {
	Listed    int   // books in the remote inbox
	Present   int   // books already in the destination
	Planned   int   // books selected for download
	Completed int   // completion events consumed, successful or not
	Persisted int   // books written to the destination
	Skipped   int   // books whose fetch failed
	Bytes     int64 // bytes written
}

// Reporter receives progress of a single run. Calls are made from the
// orchestrating goroutine only, never concurrently.
type Reporter interface {
	Planned(ctx context.Context, s Summary)
	FetchFailed(ctx context.Context, book catalog.Book, s Summary, err error)
	Persisted(ctx context.Context, book catalog.Book, s Summary)
	Finished(ctx context.Context, s Summary)
	Aborted(ctx context.Context, s Summary, err error)
}

// LogReporter writes run progress to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Planned(ctx context.Context, s Summary) {
	r.logger.InfoContext(ctx, "books already here",
		"present", s.Present,
		"listed", s.Listed,
	)
	r.logger.InfoContext(ctx, "fetching books", "total", s.Planned)
}

func (r *LogReporter) FetchFailed(ctx context.Context, book catalog.Book, s Summary, err error) {
	r.logger.WarnContext(ctx, "skipping book, download failed",
		"book_name", book.Name,
		"book_path", book.Path,
		"completed", s.Completed,
		"total", s.Planned,
		"err", err,
	)
}

func (r *LogReporter) Persisted(ctx context.Context, book catalog.Book, s Summary) {
	r.logger.InfoContext(ctx, "book saved",
		"book_name", book.Name,
		"size", humanBytes(book.Size),
		"completed", s.Completed,
		"total", s.Planned,
	)
}

func (r *LogReporter) Finished(ctx context.Context, s Summary) {
	r.logger.InfoContext(ctx, "sync finished",
		"obtained", s.Persisted,
		"planned", s.Planned,
		"skipped", s.Skipped,
		"written", humanBytes(s.Bytes),
	)
}

func (r *LogReporter) Aborted(ctx context.Context, s Summary, err error) {
	r.logger.ErrorContext(ctx, "sync aborted",
		"obtained", s.Persisted,
		"planned", s.Planned,
		"err", err,
	)
}

// humanBytes formats n, treating a negative size reported by the server as 0.
func humanBytes(n int64) string {
	return humanize.Bytes(uint64(max(n, 0)))
}
