package catalog

import (
	"context"

	"github.com/italolelis/kysync/internal/telemetry"
)

// InstrumentedSource wraps a Source with tracing and metrics.
type InstrumentedSource struct {
	source    Source
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSource creates a new instrumented source.
func NewInstrumentedSource(source Source, tel *telemetry.Telemetry) *InstrumentedSource {
	return &InstrumentedSource{source: source, telemetry: tel}
}

// ListInbox lists the inbox with telemetry.
func (s *InstrumentedSource) ListInbox(ctx context.Context) (Catalog, error) {
	var result Catalog

	err := s.telemetry.InstrumentCatalogOperation(ctx, "list_inbox", func(ctx context.Context) error {
		var err error
		result, err = s.source.ListInbox(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchContent fetches a book with telemetry.
func (s *InstrumentedSource) FetchContent(ctx context.Context, path string) ([]byte, error) {
	var result []byte

	err := s.telemetry.InstrumentFetch(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.source.FetchContent(ctx, path)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
