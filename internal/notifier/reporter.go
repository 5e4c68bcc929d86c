package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/kysync/internal/catalog"
	"github.com/italolelis/kysync/internal/downloader"
	"github.com/italolelis/kysync/internal/logctx"
)

// Reporter forwards every event to next and posts the end of a run to a
// Notifier. A failed notification is logged and never fails the run.
type Reporter struct {
	next     downloader.Reporter
	notifier Notifier
}

func NewReporter(next downloader.Reporter, n Notifier) *Reporter {
	return &Reporter{next: next, notifier: n}
}

func (r *Reporter) Planned(ctx context.Context, s downloader.Summary) {
	r.next.Planned(ctx, s)
}

func (r *Reporter) FetchFailed(ctx context.Context, book catalog.Book, s downloader.Summary, err error) {
	r.next.FetchFailed(ctx, book, s, err)
}

func (r *Reporter) Persisted(ctx context.Context, book catalog.Book, s downloader.Summary) {
	r.next.Persisted(ctx, book, s)
}

func (r *Reporter) Finished(ctx context.Context, s downloader.Summary) {
	r.next.Finished(ctx, s)

	if s.Planned == 0 {
		return
	}

	r.notify(ctx, FormatFinished(s))
}

func (r *Reporter) Aborted(ctx context.Context, s downloader.Summary, err error) {
	r.next.Aborted(ctx, s, err)
	r.notify(ctx, FormatAborted(s, err))
}

func (r *Reporter) notify(ctx context.Context, content string) {
	if err := r.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

// FormatFinished renders the summary of a completed run.
func FormatFinished(s downloader.Summary) string {
	msg := fmt.Sprintf("✅ Synced %d of %d new books (%s)", s.Persisted, s.Planned, humanize.Bytes(uint64(s.Bytes)))

	if s.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", s.Skipped)
	}

	return msg
}

// FormatAborted renders the summary of a run stopped by a fatal error.
func FormatAborted(s downloader.Summary, err error) string {
	return fmt.Sprintf("❌ Sync aborted after %d of %d books: %v", s.Persisted, s.Planned, err)
}
