package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/events"
	"triageline/internal/feed"
	"triageline/internal/importer"
	"triageline/internal/migrate"
	triagelinesdk "triageline/sdk/go"
)

type scriptedPredictor struct{}

func (scriptedPredictor) Name() string                { return "scripted" }
func (scriptedPredictor) Ready(context.Context) error { return nil }
func (scriptedPredictor) Predict(_ context.Context, title, _ string, _ int) ([]domain.Prediction, error) {
	switch {
	case strings.Contains(title, "offline"):
		return nil, errors.New("model offline")
	case strings.Contains(strings.ToLower(title), "login"):
		return []domain.Prediction{{Developer: "Alice Martin", Confidence: 0.92}, {Developer: "Bob Chen", Confidence: 0.05}}, nil
	default:
		return []domain.Prediction{{Developer: "Bob Chen", Confidence: 0.41}, {Developer: "Carol Diaz", Confidence: 0.33}}, nil
	}
}

type testServer struct {
	URL    string
	Engine engine.Engine
	SDK    *triagelinesdk.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Triage.Threshold = 0.7
	e := engine.New(conn, cfg, scriptedPredictor{})
	if _, err := e.Directory.Seed(ctx, cfg.Directory.Developers); err != nil {
		t.Fatalf("seed directory: %v", err)
	}

	batch := filepath.Join(workspace, "bugs.json")
	records := `[{"id":"1","title":"Login button broken","body":"nothing happens"},{"id":"2","title":"Sidebar overlaps","body":"layout glitch"}]`
	if err := os.WriteFile(batch, []byte(records), 0o644); err != nil {
		t.Fatal(err)
	}
	imp := importer.New(e, nil, importer.Source{Feed: feed.FileFeed{Path: batch}, MaxCount: 10})

	handler, err := New(Config{Engine: e, Importer: imp, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	ts.SDK = triagelinesdk.New(ts.URL)
	ts.SDK.ActorID = "tester"
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiErr(t *testing.T, err error) *triagelinesdk.APIError {
	t.Helper()
	var ae *triagelinesdk.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %v", err)
	}
	return ae
}

func TestPredictAutoAssignAndManualFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	auto, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Login crash", Body: "app dies on login"})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !auto.IsAutoAssigned || auto.Status != "assigned" {
		t.Fatalf("expected auto-assignment, got %+v", auto)
	}
	if auto.Predictions[0].PredictedDeveloper != "Alice Martin" || auto.Threshold != 0.7 {
		t.Fatalf("unexpected predictions %+v", auto)
	}

	manual, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Theme flicker", Body: "colors flash", Priority: "high"})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if manual.IsAutoAssigned || manual.Status != "manual-review" {
		t.Fatalf("expected manual review, got %+v", manual)
	}

	snap, err := srv.SDK.Predictions(ctx, manual.BugID)
	if err != nil {
		t.Fatalf("predictions: %v", err)
	}
	if len(snap.Predictions) != 2 || snap.Predictions[0].Developer != "Bob Chen" {
		t.Fatalf("snapshot not re-offered: %+v", snap)
	}

	ev, err := srv.SDK.Assign(ctx, manual.BugID, nil, "Carol Diaz")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ev.AssignmentType != "manual" || ev.DeveloperID == nil {
		t.Fatalf("unexpected assignment %+v", ev)
	}

	bugs, err := srv.SDK.ListBugs(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bugs) != 2 || bugs[0].ID != auto.BugID {
		t.Fatalf("expected creation order, got %+v", bugs)
	}
	if bugs[1].Assignment == nil || bugs[1].Assignment.DeveloperName != "Carol Diaz" || bugs[1].Status != "assigned" {
		t.Fatalf("latest assignment not embedded: %+v", bugs[1])
	}

	stats, err := srv.SDK.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBugs != 2 || stats.AutoAssigned != 1 || stats.ManualReview != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.BugsPerDeveloper["Alice Martin"] != 1 || stats.BugsPerDeveloper["Carol Diaz"] != 1 {
		t.Fatalf("unexpected per-developer counts %+v", stats.BugsPerDeveloper)
	}

	history, err := srv.SDK.Assignments(ctx, manual.BugID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %v %+v", err, history)
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/predict", map[string]any{"title": "  ", "body": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Fields []domain.FieldError `json:"fields"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "validation_failed" || len(envelope.Error.Details.Fields) != 2 {
		t.Fatalf("unexpected envelope %s", data)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/predict", map[string]any{"body": "no title"})
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "validation_failed") {
		t.Fatalf("schema failure should be 400 validation_failed, got %d: %s", res.StatusCode, data)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "model offline", Body: "x"})
	if ae := apiErr(t, err); ae.StatusCode != http.StatusServiceUnavailable || ae.Code != "prediction_unavailable" {
		t.Fatalf("unexpected error %+v", ae)
	}
	bugs, err := srv.SDK.ListBugs(ctx, "")
	if err != nil || len(bugs) != 0 {
		t.Fatalf("failed prediction must not store a bug: %v %+v", err, bugs)
	}

	_, err = srv.SDK.GetBug(ctx, 999)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusNotFound || ae.Code != "not_found" {
		t.Fatalf("unexpected error %+v", ae)
	}
	_, err = srv.SDK.Assign(ctx, 999, nil, "Alice Martin")
	if ae := apiErr(t, err); ae.StatusCode != http.StatusNotFound {
		t.Fatalf("assign unknown bug: %+v", ae)
	}
	_, err = srv.SDK.ListBugs(ctx, "sleeping")
	if ae := apiErr(t, err); ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter: %+v", ae)
	}
}

func TestDeleteCascades(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	res, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Login loop", Body: "redirects forever"})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp, data := doJSON(t, http.MethodDelete, srv.URL+"/v0/bugs/"+strconv.FormatInt(res.BugID, 10), nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"deleted":true`) {
		t.Fatalf("delete: %d %s", resp.StatusCode, data)
	}
	if err := srv.SDK.DeleteBug(ctx, res.BugID); apiErr(t, err).StatusCode != http.StatusNotFound {
		t.Fatalf("second delete should be 404")
	}
	stats, err := srv.SDK.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBugs != 0 || len(stats.BugsPerDeveloper) != 0 {
		t.Fatalf("ledger not cleaned: %+v", stats)
	}
}

func TestUntriagedBugThenTriage(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	resp, data := doJSON(t, http.MethodPost, srv.URL+"/v0/bugs", map[string]any{"title": "Login hangs", "body": "spinner forever"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var bug triagelinesdk.Bug
	if err := json.Unmarshal(data, &bug); err != nil {
		t.Fatal(err)
	}
	if bug.Status != "open" {
		t.Fatalf("expected open, got %s", bug.Status)
	}
	stats, _ := srv.SDK.Stats(ctx)
	if stats.PendingBugs != 1 {
		t.Fatalf("expected pending bug, got %+v", stats)
	}
	res, err := srv.SDK.Triage(ctx, bug.ID)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if !res.IsAutoAssigned || res.Status != "assigned" {
		t.Fatalf("unexpected triage result %+v", res)
	}
	_, err = srv.SDK.Triage(ctx, bug.ID)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusConflict {
		t.Fatalf("re-triage should conflict, got %+v", ae)
	}
}

func TestImportLocalIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	first, err := srv.SDK.Import(ctx, "local", 5)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if first.Imported != 2 || first.Skipped != 0 {
		t.Fatalf("unexpected first batch %+v", first)
	}
	second, err := srv.SDK.Import(ctx, "local", 5)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if second.Imported != 0 || second.Skipped != 2 {
		t.Fatalf("unexpected second batch %+v", second)
	}
	_, err = srv.SDK.Import(ctx, "local", 0)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("count bound: %+v", ae)
	}
	// no github source is configured in this server
	_, err = srv.SDK.Import(ctx, "github", 1)
	if ae := apiErr(t, err); ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown source: %+v", ae)
	}
}

func TestHealthUsersAndEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	h, err := srv.SDK.Health(ctx)
	if err != nil || h.Status != "ok" || h.Predictor != "scripted" {
		t.Fatalf("health: %v %+v", err, h)
	}
	users, err := srv.SDK.Users(ctx, "developer")
	if err != nil || len(users) != 3 {
		t.Fatalf("users: %v %+v", err, users)
	}
	if _, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Login crash", Body: "boom"}); err != nil {
		t.Fatal(err)
	}
	page, err := srv.SDK.Events(ctx, events.BugAssigned, 10, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ActorID != "tester" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/predict") {
		t.Fatalf("openapi: %d", resp.StatusCode)
	}
}

func TestWebhookDispatchDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if _, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Login crash", Body: "old"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("X-Triageline-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{events.BugAssigned}}}, nil)
	d.DispatchOnce(ctx) // starts at the newest event
	if _, err := srv.SDK.Predict(ctx, triagelinesdk.PredictRequest{Title: "Login again", Body: "new"}); err != nil {
		t.Fatal(err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != events.BugAssigned {
		t.Fatalf("expected one bug.assigned delivery, got %v", got)
	}
}

func TestCreateBugDuplicateExternalRef(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{"title": "Crash on save", "body": "stack trace attached", "external_ref": "github:acme/app#1"}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/bugs", body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/bugs", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), "validation_failed") || !strings.Contains(string(data), "external_ref") {
		t.Fatalf("unexpected envelope %s", data)
	}
	if strings.Contains(string(data), "UNIQUE") {
		t.Fatalf("storage error leaked: %s", data)
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	sizes := make([]int, 8)
	for i := range sizes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			sizes[i] = len(data)
		}()
	}
	wg.Wait()
	for i, n := range sizes {
		if n == 0 || n != sizes[0] {
			t.Fatalf("fetch %d returned %d bytes, first returned %d", i, n, sizes[0])
		}
	}
}
