package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/migrate"
	"triageline/internal/repo"
)

type stubPredictor struct {
	preds []domain.Prediction
	err   error
}

func (s *stubPredictor) Name() string                { return "stub" }
func (s *stubPredictor) Ready(context.Context) error { return nil }
func (s *stubPredictor) Predict(context.Context, string, string, int) ([]domain.Prediction, error) {
	return s.preds, s.err
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Predictor *stubPredictor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Triage.Threshold = 0.7
	stub := &stubPredictor{}
	eng := engine.New(conn, cfg, stub)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := eng.Directory.Seed(ctx, cfg.Directory.Developers); err != nil {
		t.Fatalf("seed directory: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Predictor: stub}
}

func preds(pairs ...any) []domain.Prediction {
	var out []domain.Prediction
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domain.Prediction{Developer: pairs[i].(string), Confidence: pairs[i+1].(float64)})
	}
	return out
}

func bugInput(title string) engine.BugInput {
	return engine.BugInput{Title: title, Body: "steps to reproduce", ActorID: "tester"}
}

func TestCreateAutoAssigns(t *testing.T) {
	env := newTestEnv(t)
	bug, err := env.Engine.Create(env.Ctx, bugInput("Crash on login"), preds("Alice Martin", 0.92, "Bob Chen", 0.05))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bug.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", bug.Status)
	}
	latest, err := env.Engine.Ledger().Latest(env.Ctx, bug.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if latest.Type != domain.AssignmentAutomatic || latest.DeveloperName != "Alice Martin" {
		t.Fatalf("unexpected event %+v", latest)
	}
	if latest.DeveloperID == nil {
		t.Fatalf("expected directory match to fill developer id")
	}
	if len(bug.Tags) == 0 {
		t.Fatalf("expected generated tags")
	}
}

func TestCreateBelowThresholdGoesToReview(t *testing.T) {
	env := newTestEnv(t)
	bug, err := env.Engine.Create(env.Ctx, bugInput("Layout glitch"), preds("Bob Chen", 0.4, "Alice Martin", 0.3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bug.Status != domain.StatusManualReview {
		t.Fatalf("expected manual-review, got %s", bug.Status)
	}
	hist, err := env.Engine.Ledger().History(env.Ctx, bug.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("manual-review bug must have no assignment, got %v", hist)
	}
	snap, err := env.Engine.Predictions(env.Ctx, bug.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Predictions) != 2 || snap.Predictions[0].Developer != "Bob Chen" || snap.Threshold != 0.7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.BugInput{Title: "  ", Body: "", Priority: "urgent"}, preds("A", 0.9))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := verr.FieldNames(); len(got) != 3 {
		t.Fatalf("expected title, body and priority, got %v", got)
	}
	if _, err := env.Engine.Create(env.Ctx, bugInput("t"), nil); !errors.As(err, &verr) {
		t.Fatalf("expected empty predictions to fail, got %v", err)
	}
	bugs, _ := env.Engine.List(env.Ctx, engine.BugFilter{})
	if len(bugs) != 0 {
		t.Fatalf("failed creates must not persist, got %d bugs", len(bugs))
	}
}

func TestCreateBugPredictionUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.Predictor.err = context.DeadlineExceeded
	_, _, err := env.Engine.CreateBug(env.Ctx, bugInput("Crash"))
	var perr *domain.PredictionUnavailableError
	if !errors.As(err, &perr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected prediction unavailable, got %v", err)
	}
	bugs, _ := env.Engine.List(env.Ctx, engine.BugFilter{})
	if len(bugs) != 0 {
		t.Fatalf("bug must not be created, got %d", len(bugs))
	}
}

func TestManualReassignment(t *testing.T) {
	env := newTestEnv(t)
	bug, err := env.Engine.Create(env.Ctx, bugInput("Crash"), preds("Alice Martin", 0.95))
	if err != nil {
		t.Fatal(err)
	}
	ev, err := env.Engine.Assign(env.Ctx, bug.ID, nil, "  bob  ", "lead")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ev.Type != domain.AssignmentManual || ev.DeveloperName != "bob" || ev.DeveloperID == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	hist, _ := env.Engine.Ledger().History(env.Ctx, bug.ID)
	if len(hist) != 2 || hist[0].Type != domain.AssignmentAutomatic || hist[1].Type != domain.AssignmentManual {
		t.Fatalf("expected automatic then manual, got %+v", hist)
	}
	got, _ := env.Engine.Get(env.Ctx, bug.ID)
	if got.Assignment == nil || got.Assignment.ID != ev.ID {
		t.Fatalf("latest assignment should be the manual one: %+v", got.Assignment)
	}
	counts, _ := env.Engine.Ledger().CountByDeveloper(env.Ctx)
	if counts["Alice Martin"] != 0 || counts["bob"] != 1 {
		t.Fatalf("reassignment must not double count: %v", counts)
	}
}

func TestAssignFromManualReviewIgnoresConfidence(t *testing.T) {
	env := newTestEnv(t)
	bug, _ := env.Engine.Create(env.Ctx, bugInput("Vague"), preds("Carol Diaz", 0.1))
	if _, err := env.Engine.Assign(env.Ctx, bug.ID, nil, "Carol Diaz", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := env.Engine.Get(env.Ctx, bug.ID)
	if got.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", got.Status)
	}
}

func TestAssignErrors(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Assign(env.Ctx, 999, nil, "bob", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	bug, _ := env.Engine.Create(env.Ctx, bugInput("x"), preds("A", 0.1))
	var verr *domain.ValidationError
	if _, err := env.Engine.Assign(env.Ctx, bug.ID, nil, "   ", ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	unknown := int64(4242)
	if _, err := env.Engine.Assign(env.Ctx, bug.ID, &unknown, "ghost", ""); !errors.As(err, &verr) {
		t.Fatalf("expected unknown developer id to fail, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	bug, _ := env.Engine.Create(env.Ctx, bugInput("Crash"), preds("Alice Martin", 0.9))
	if err := env.Engine.Delete(env.Ctx, bug.ID, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, bug.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	latest, err := env.Engine.Repo.LatestAssignment(env.Ctx, bug.ID)
	if err != nil || latest != nil {
		t.Fatalf("assignment history must be removed: %v %v", latest, err)
	}
	if err := env.Engine.Delete(env.Ctx, bug.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Create(env.Ctx, bugInput("first"), preds("Alice Martin", 0.9))
	b, _ := env.Engine.Create(env.Ctx, bugInput("second"), preds("Bob Chen", 0.2))
	c, _ := env.Engine.Create(env.Ctx, bugInput("third"), preds("Carol Diaz", 0.8))

	all, err := env.Engine.List(env.Ctx, engine.BugFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Fatalf("expected creation order with id tie-break, got %v", all)
	}
	if all[0].Assignment == nil || all[1].Assignment != nil {
		t.Fatalf("latest assignment not embedded correctly")
	}
	review, _ := env.Engine.List(env.Ctx, engine.BugFilter{Status: domain.StatusManualReview})
	if len(review) != 1 || review[0].ID != b.ID {
		t.Fatalf("status filter failed: %v", review)
	}
	var verr *domain.ValidationError
	if _, err := env.Engine.List(env.Ctx, engine.BugFilter{Status: "bogus"}); !errors.As(err, &verr) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestTriageOpenBug(t *testing.T) {
	env := newTestEnv(t)
	bug, err := env.Engine.CreateUntriaged(env.Ctx, bugInput("Slow query"))
	if err != nil {
		t.Fatal(err)
	}
	if bug.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", bug.Status)
	}
	env.Predictor.preds = preds("Carol Diaz", 0.85, "Bob Chen", 0.1)
	triaged, d, err := env.Engine.Triage(env.Ctx, bug.ID, "")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if !d.AutoAssign || triaged.Status != domain.StatusAssigned || triaged.Assignment == nil {
		t.Fatalf("expected auto assignment, got %+v", triaged)
	}
	if len(triaged.Predictions) != 2 {
		t.Fatalf("snapshot not stored: %v", triaged.Predictions)
	}
	var terr *domain.TransitionError
	if _, _, err := env.Engine.Triage(env.Ctx, bug.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("triaging twice must fail, got %v", err)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Create(env.Ctx, bugInput("a"), preds("Alice Martin", 0.9))
	env.Engine.Create(env.Ctx, bugInput("b"), preds("Alice Martin", 0.95))
	c, _ := env.Engine.Create(env.Ctx, bugInput("c"), preds("Bob Chen", 0.3))
	env.Engine.CreateUntriaged(env.Ctx, bugInput("d"))
	env.Engine.Assign(env.Ctx, a.ID, nil, "Bob Chen", "")
	env.Engine.Assign(env.Ctx, c.ID, nil, "Bob Chen", "")

	st, err := env.Engine.Stats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalBugs != 4 || st.AutoAssigned != 1 || st.ManualReview != 0 || st.PendingBugs != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.BugsPerDeveloper["Alice Martin"] != 1 || st.BugsPerDeveloper["Bob Chen"] != 2 {
		t.Fatalf("unexpected per developer counts %v", st.BugsPerDeveloper)
	}
}

func TestConcurrentAssignAndDelete(t *testing.T) {
	env := newTestEnv(t)
	bug, _ := env.Engine.Create(env.Ctx, bugInput("race"), preds("Alice Martin", 0.2))

	var wg sync.WaitGroup
	errs := make(chan error, 11)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Assign(env.Ctx, bug.ID, nil, "Bob Chen", "")
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- env.Engine.Delete(env.Ctx, bug.ID, "")
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := env.Engine.Get(env.Ctx, bug.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("bug should be gone, got %v", err)
	}
	var orphans int
	env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM assignment_events WHERE bug_id=?`, bug.ID).Scan(&orphans)
	if orphans != 0 {
		t.Fatalf("found %d orphaned assignment events", orphans)
	}
}

func TestDuplicateExternalRefRejected(t *testing.T) {
	env := newTestEnv(t)
	in := bugInput("Imported crash")
	in.ExternalRef = "github:acme/app#7"
	first, err := env.Engine.CreateUntriaged(env.Ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	var verr *domain.ValidationError
	if _, err := env.Engine.CreateUntriaged(env.Ctx, in); !errors.As(err, &verr) || verr.Fields[0].Field != "external_ref" {
		t.Fatalf("expected external_ref validation error, got %v", err)
	}
	if _, err := env.Engine.Create(env.Ctx, in, preds("Alice Martin", 0.9)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error from scored create, got %v", err)
	}
	bugs, err := env.Engine.List(env.Ctx, engine.BugFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bugs) != 1 || bugs[0].ID != first.ID {
		t.Fatalf("duplicate stored: %+v", bugs)
	}
}

func TestAuditEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	bug, err := env.Engine.Create(env.Ctx, bugInput("Clock"), preds("Alice Martin", 0.9))
	if err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.AuditLog(env.Ctx, repo.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected created and assigned events, got %d", len(evts))
	}
	for _, ev := range evts {
		if ev.TS != bug.CreatedAt {
			t.Fatalf("event %s stamped %s, bug stamped %s", ev.Type, ev.TS, bug.CreatedAt)
		}
	}
	history, err := env.Engine.Ledger().History(env.Ctx, bug.ID)
	if err != nil || len(history) != 1 || history[0].CreatedAt != bug.CreatedAt {
		t.Fatalf("unexpected history %v %+v", err, history)
	}
}
