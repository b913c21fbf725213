package importer_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/feed"
	"triageline/internal/importer"
	"triageline/internal/migrate"
	"triageline/internal/repo"
)

type fakeFeed struct {
	name  string
	items []feed.Item
	err   error
	calls int
}

func (f *fakeFeed) Name() string { return f.name }
func (f *fakeFeed) Fetch(_ context.Context, limit int) ([]feed.Item, error) {
	f.calls++
	items := f.items
	if len(items) > limit {
		items = items[:limit]
	}
	return items, f.err
}

type scriptedPredictor struct{}

func (scriptedPredictor) Name() string                { return "scripted" }
func (scriptedPredictor) Ready(context.Context) error { return nil }
func (scriptedPredictor) Predict(_ context.Context, title, _ string, _ int) ([]domain.Prediction, error) {
	if title == "boom" {
		return nil, errors.New("model offline")
	}
	return []domain.Prediction{{Developer: "Alice Martin", Confidence: 0.9}}, nil
}

func newCoordinator(t *testing.T, feeds ...*fakeFeed) (*importer.Coordinator, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), scriptedPredictor{})
	var sources []importer.Source
	for _, f := range feeds {
		sources = append(sources, importer.Source{Feed: f, MaxCount: 10})
	}
	return importer.New(eng, nil, sources...), eng
}

func items(n int) []feed.Item {
	out := make([]feed.Item, n)
	for i := range out {
		out[i] = feed.Item{Title: fmt.Sprintf("bug %d", i+1), Body: "details", ExternalRef: fmt.Sprintf("github:acme/app#%d", i+1)}
	}
	return out
}

func TestImportBatchIsIdempotent(t *testing.T) {
	f := &fakeFeed{name: "github", items: items(3)}
	c, eng := newCoordinator(t, f)
	ctx := context.Background()

	first, err := c.ImportBatch(ctx, "github", 3, "tester")
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if first.Imported != 3 || first.Skipped != 0 || len(first.Items) != 3 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := c.ImportBatch(ctx, "github", 3, "tester")
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if second.Imported != 0 || second.Skipped != 3 {
		t.Fatalf("re-import should skip everything: %+v", second)
	}
	bugs, _ := eng.List(ctx, engine.BugFilter{})
	if len(bugs) != 3 {
		t.Fatalf("expected 3 bugs, got %d", len(bugs))
	}
	evts, _ := eng.AuditLog(ctx, repo.EventFilter{Type: "import.completed"})
	if len(evts) != 2 {
		t.Fatalf("expected an audit event per batch, got %d", len(evts))
	}
}

func TestImportBatchSkipsOnlyOverlap(t *testing.T) {
	f := &fakeFeed{name: "github", items: items(5)}
	c, eng := newCoordinator(t, f)
	ctx := context.Background()

	if _, err := c.ImportBatch(ctx, "github", 2, "tester"); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	res, err := c.ImportBatch(ctx, "github", 5, "tester")
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if res.Skipped != 2 || res.Imported != 3 || res.Errored != 0 {
		t.Fatalf("unexpected overlap result %+v", res)
	}
	bugs, _ := eng.List(ctx, engine.BugFilter{})
	if len(bugs) != 5 {
		t.Fatalf("expected 5 bugs, got %d", len(bugs))
	}
}

func TestImportBatchItemFailureContinues(t *testing.T) {
	list := items(3)
	list[1].Title = "boom"
	f := &fakeFeed{name: "local", items: list}
	c, _ := newCoordinator(t, f)

	res, err := c.ImportBatch(context.Background(), "local", 3, "")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Imported != 2 || res.Errored != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Errors[0].ExternalRef != list[1].ExternalRef {
		t.Fatalf("error should name the failing item: %+v", res.Errors[0])
	}
	if res.Imported+res.Skipped+res.Errored != 3 {
		t.Fatalf("counts must cover every fetched item")
	}
}

func TestImportBatchCountBounds(t *testing.T) {
	f := &fakeFeed{name: "github", items: items(1)}
	c, _ := newCoordinator(t, f)
	for _, n := range []int{0, 11} {
		_, err := c.ImportBatch(context.Background(), "github", n, "")
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("count %d: expected validation error, got %v", n, err)
		}
	}
	if f.calls != 0 {
		t.Fatalf("feed must not be called for invalid counts")
	}
	if _, err := c.ImportBatch(context.Background(), "ftp", 1, ""); err == nil {
		t.Fatalf("unknown source should fail")
	}
}

func TestImportBatchSourceErrors(t *testing.T) {
	down := &fakeFeed{name: "github", err: &domain.ImportSourceError{Source: "github", Err: errors.New("unreachable")}}
	c, _ := newCoordinator(t, down)
	_, err := c.ImportBatch(context.Background(), "github", 2, "")
	var srcErr *domain.ImportSourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("expected source error, got %v", err)
	}

	partial := &fakeFeed{name: "local", items: items(2), err: errors.New("read interrupted")}
	c, _ = newCoordinator(t, partial)
	res, err := c.ImportBatch(context.Background(), "local", 5, "")
	if err != nil {
		t.Fatalf("partial batch should succeed: %v", err)
	}
	if res.Imported != 2 || res.SourceError == "" {
		t.Fatalf("expected partial import with source error, got %+v", res)
	}
}

func TestImportBatchCanceled(t *testing.T) {
	f := &fakeFeed{name: "github", items: items(3)}
	c, _ := newCoordinator(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.ImportBatch(ctx, "github", 3, "")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !res.Canceled || res.Imported != 0 {
		t.Fatalf("expected canceled batch with no imports, got %+v", res)
	}
}
