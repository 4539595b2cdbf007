// Package enrich attaches cross-source references onto stored memory objects
// idempotently and safely under concurrent writers.
package enrich

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mnemohq/mnemo/internal/observability"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/meta"
	"github.com/mnemohq/mnemo/pkg/store"
)

// Enricher performs serialized read-modify-write link updates against object
// metadata, retrying on lock contention.
type Enricher struct {
	store      *store.Store
	logger     zerolog.Logger
	maxRetries int
}

// Config holds enricher settings.
type Config struct {
	MaxRetries int // lock contention retries, defaults to 5
	Logger     zerolog.Logger
}

// New creates an enricher.
func New(s *store.Store, cfg Config) *Enricher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Enricher{
		store:      s,
		logger:     cfg.Logger.With().Str("component", "enrich").Logger(),
		maxRetries: cfg.MaxRetries,
	}
}

// AddLink attaches url under linkType on the object identified by (source,
// foreignID). It reports whether the metadata changed: a URL already present
// under that link type is a no-op success, never an error. Concurrent calls
// for different link types on the same object serialize through the store's
// write transaction, so no link is ever lost to a racing writer.
func (e *Enricher) AddLink(ctx context.Context, orgID, source, foreignID, linkType, url string) (bool, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.enrich",
		"enrich.add_link",
		attribute.String("link_type", linkType),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)

	var added bool
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		added, err = e.store.UpdateObjectMeta(ctx, orgID, source, foreignID, func(m *meta.Meta) bool {
			return m.AddLink(linkType, url)
		})
		if err == nil || !store.IsBusy(err) {
			break
		}

		observability.RecordEnrichRetry()
		backoff := time.Duration(50*(attempt+1))*time.Millisecond + time.Duration(rand.Int63n(25))*time.Millisecond
		logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Link update hit lock contention, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str("source", source).
			Str("foreign_id", foreignID).
			Msg("Failed to attach link")
		return false, err
	}

	if added {
		logger.Info().
			Str("source", source).
			Str("foreign_id", foreignID).
			Str("link_type", linkType).
			Msg("Link attached")
	}
	return added, nil
}
