// Package importer bulk-creates bugs from external feeds.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/feed"
	"triageline/internal/logging"
	"triageline/internal/repo"
	"triageline/internal/telemetry"
)

// Source is a feed plus the largest batch it may be asked for.
type Source struct {
	Feed     feed.Feed
	MaxCount int
}

// Coordinator runs import batches through the engine's create pipeline.
type Coordinator struct {
	Engine  engine.Engine
	Sources map[string]Source
	Logger  *slog.Logger
}

func New(e engine.Engine, logger *slog.Logger, sources ...Source) *Coordinator {
	c := &Coordinator{Engine: e, Sources: map[string]Source{}, Logger: logger}
	for _, s := range sources {
		c.Sources[s.Feed.Name()] = s
	}
	return c
}

// ImportBatch fetches up to count items from source and creates a bug for
// each one not seen before. Item failures are recorded and do not stop the
// batch. A source failure before any item fails the batch; a later one is
// reported in the result.
func (c *Coordinator) ImportBatch(ctx context.Context, source string, count int, actorID string) (domain.ImportBatchResult, error) {
	logger := logging.Or(c.Logger)
	src, ok := c.Sources[source]
	if !ok {
		return domain.ImportBatchResult{}, domain.Invalid("source", fmt.Sprintf("unknown import source %q", source))
	}
	if count < 1 || count > src.MaxCount {
		return domain.ImportBatchResult{}, domain.Invalid("count", fmt.Sprintf("must be between 1 and %d", src.MaxCount))
	}

	ctx, span := telemetry.Tracer().Start(ctx, "import.batch")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("count", count))

	res := domain.ImportBatchResult{
		BatchID:   uuid.NewString(),
		Source:    source,
		Requested: count,
		Items:     []domain.ImportedBug{},
	}
	items, err := src.Feed.Fetch(ctx, count)
	if err != nil {
		if len(items) == 0 {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var srcErr *domain.ImportSourceError
			if !errors.As(err, &srcErr) {
				err = &domain.ImportSourceError{Source: source, Err: err}
			}
			return domain.ImportBatchResult{}, err
		}
		res.SourceError = err.Error()
		logger.Warn("import source failed mid-stream", "source", source, "fetched", len(items), "err", err)
	}
	if len(items) > count {
		items = items[:count]
	}

	for _, it := range items {
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}
		c.importItem(ctx, it, actorID, &res)
	}

	span.SetAttributes(attribute.Int("imported", res.Imported), attribute.Int("skipped", res.Skipped), attribute.Int("errored", res.Errored))
	// the audit record must land even when the caller has gone away
	if err := c.Engine.RecordImport(context.WithoutCancel(ctx), res, actorID); err != nil {
		logger.Warn("record import event failed", "batch_id", res.BatchID, "err", err)
	}
	logger.Info("import batch finished", "batch_id", res.BatchID, "source", source, "requested", count,
		"imported", res.Imported, "skipped", res.Skipped, "errored", res.Errored, "canceled", res.Canceled)
	return res, nil
}

func (c *Coordinator) importItem(ctx context.Context, it feed.Item, actorID string, res *domain.ImportBatchResult) {
	logger := logging.Or(c.Logger)
	ref := strings.TrimSpace(it.ExternalRef)
	if ref != "" {
		unlock := c.Engine.LockExternalRef(ref)
		defer unlock()
		if _, err := c.Engine.Repo.BugIDByExternalRef(ctx, ref); err == nil {
			res.Skipped++
			logger.Debug("import item skipped", "external_ref", ref)
			return
		} else if !errors.Is(err, repo.ErrNotFound) {
			c.recordError(res, it, err)
			return
		}
	}
	bug, _, err := c.Engine.CreateBug(ctx, engine.BugInput{
		Title:       it.Title,
		Body:        it.Body,
		Source:      res.Source,
		ExternalRef: ref,
		ActorID:     actorID,
	})
	if err != nil {
		c.recordError(res, it, err)
		return
	}
	res.Imported++
	res.Items = append(res.Items, domain.ImportedBug{ID: bug.ID, Title: bug.Title})
	logger.Debug("import item created", "external_ref", ref, "bug_id", bug.ID, "status", bug.Status)
}

func (c *Coordinator) recordError(res *domain.ImportBatchResult, it feed.Item, err error) {
	res.Errored++
	res.Errors = append(res.Errors, domain.ImportError{ExternalRef: it.ExternalRef, Title: it.Title, Reason: err.Error()})
	logging.Or(c.Logger).Debug("import item failed", "external_ref", it.ExternalRef, "err", err)
}
