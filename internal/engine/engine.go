package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"triageline/internal/config"
	"triageline/internal/directory"
	"triageline/internal/domain"
	"triageline/internal/events"
	"triageline/internal/lock"
	"triageline/internal/logging"
	"triageline/internal/policy"
	"triageline/internal/predict"
	"triageline/internal/repo"
	"triageline/internal/tags"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Predictor predict.Provider
	Directory directory.Directory
	Logger    *slog.Logger
	Now       func() time.Time

	locks *lock.Keyed
}

func New(db *sql.DB, cfg *config.Config, predictor predict.Provider) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Predictor: predictor,
		Directory: directory.New(db),
		Now:       time.Now,
		locks:     &lock.Keyed{},
	}
}

// audit returns the event writer stamped with the engine clock.
func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) log() *slog.Logger {
	return logging.Or(e.Logger)
}

// Threshold is the configured auto-assignment cutoff.
func (e Engine) Threshold() float64 {
	if e.Config == nil {
		return policy.DefaultThreshold
	}
	return e.Config.Triage.Threshold
}

func (e Engine) topN() int {
	if e.Config == nil || e.Config.Predictor.TopN <= 0 {
		return 3
	}
	return e.Config.Predictor.TopN
}

// lockKey serializes mutations of one bug; a nil lock table disables it.
func (e Engine) lockKey(key string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(key)
}

func bugKey(id int64) string { return "bug:" + strconv.FormatInt(id, 10) }

// LockExternalRef serializes work on one source reference.
func (e Engine) LockExternalRef(ref string) func() {
	return e.lockKey("ref:" + ref)
}

// BugInput is the caller-supplied part of a new bug.
type BugInput struct {
	Title       string
	Body        string
	Priority    domain.Priority
	Source      string
	ExternalRef string
	Tags        []string
	ActorID     string
}

func (in BugInput) normalize() (BugInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	in.Source = strings.TrimSpace(in.Source)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	verr := &domain.ValidationError{}
	if in.Title == "" {
		verr.Add("title", "is required")
	}
	if in.Body == "" {
		verr.Add("body", "is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	} else if !in.Priority.Valid() {
		verr.Add("priority", "must be one of low, medium, high, critical")
	}
	if err := verr.OrNil(); err != nil {
		return in, err
	}
	if in.Source == "" {
		in.Source = domain.SourceManual
	}
	in.Tags = domain.NormalizeTags(in.Tags)
	if len(in.Tags) == 0 {
		in.Tags = domain.NormalizeTags(tags.Generate(in.Title, in.Body, tags.DefaultLimit))
	}
	return in, nil
}

// refAvailable rejects an external reference that is already stored.
func (e Engine) refAvailable(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := e.Repo.BugIDByExternalRef(ctx, ref)
	switch {
	case err == nil:
		return domain.Invalid("external_ref", "already imported")
	case errors.Is(err, repo.ErrNotFound):
		return nil
	default:
		return err
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateBug asks the predictor for candidates and then creates the bug.
// A predictor failure or timeout yields PredictionUnavailableError and
// nothing is stored.
func (e Engine) CreateBug(ctx context.Context, in BugInput) (domain.Bug, policy.Decision, error) {
	in, err := in.normalize()
	if err != nil {
		return domain.Bug{}, policy.Decision{}, err
	}
	preds, err := e.predict(ctx, in.Title, in.Body)
	if err != nil {
		return domain.Bug{}, policy.Decision{}, err
	}
	return e.create(ctx, in, preds)
}

func (e Engine) predict(ctx context.Context, title, body string) ([]domain.Prediction, error) {
	if e.Predictor == nil {
		return nil, &domain.PredictionUnavailableError{Err: errors.New("no predictor configured")}
	}
	preds, err := e.Predictor.Predict(ctx, title, body, e.topN())
	if err != nil {
		return nil, &domain.PredictionUnavailableError{Err: err}
	}
	return preds, nil
}

// Create stores a bug with caller-supplied predictions.
func (e Engine) Create(ctx context.Context, in BugInput, preds []domain.Prediction) (domain.Bug, error) {
	in, err := in.normalize()
	if err != nil {
		return domain.Bug{}, err
	}
	bug, _, err := e.create(ctx, in, preds)
	return bug, err
}

func (e Engine) create(ctx context.Context, in BugInput, preds []domain.Prediction) (domain.Bug, policy.Decision, error) {
	decision, err := policy.Decide(preds, e.Threshold())
	if err != nil {
		return domain.Bug{}, decision, err
	}
	if err := e.refAvailable(ctx, in.ExternalRef); err != nil {
		return domain.Bug{}, decision, err
	}
	var devID *int64
	if decision.AutoAssign {
		devID = e.resolveDeveloper(ctx, decision.Top.Developer)
	}

	now := e.timestamp()
	bug := domain.Bug{
		Title:       in.Title,
		Body:        in.Body,
		Priority:    in.Priority,
		Source:      in.Source,
		ExternalRef: optionalString(in.ExternalRef),
		Status:      domain.StatusManualReview,
		Tags:        in.Tags,
		Predictions: decision.Predictions,
		Threshold:   decision.Threshold,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if decision.AutoAssign {
		bug.Status = domain.StatusAssigned
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bug{}, decision, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertBug(ctx, tx, bug)
	if err != nil {
		return domain.Bug{}, decision, fmt.Errorf("insert bug: %w", err)
	}
	bug.ID = id
	entityID := strconv.FormatInt(id, 10)
	if err := e.audit().Append(ctx, tx, events.BugCreated, "bug", entityID, in.ActorID, events.EventPayload{
		"status":           bug.Status,
		"source":           bug.Source,
		"top_developer":    decision.Top.Developer,
		"top_confidence":   decision.Top.Confidence,
		"threshold":        decision.Threshold,
		"is_auto_assigned": decision.AutoAssign,
	}); err != nil {
		return domain.Bug{}, decision, err
	}
	if decision.AutoAssign {
		ev := domain.AssignmentEvent{
			ID:            uuid.NewString(),
			BugID:         id,
			DeveloperID:   devID,
			DeveloperName: decision.Top.Developer,
			Type:          domain.AssignmentAutomatic,
			CreatedAt:     now,
		}
		if err := e.Ledger().Append(ctx, tx, ev); err != nil {
			return domain.Bug{}, decision, fmt.Errorf("append assignment: %w", err)
		}
		if err := e.audit().Append(ctx, tx, events.BugAssigned, "bug", entityID, in.ActorID, assignmentPayload(ev)); err != nil {
			return domain.Bug{}, decision, err
		}
		bug.Assignment = &ev
	}
	if err := tx.Commit(); err != nil {
		return domain.Bug{}, decision, err
	}
	e.log().Info("bug created", "bug_id", id, "status", bug.Status, "top_developer", decision.Top.Developer,
		"confidence", decision.Top.Confidence, "threshold", decision.Threshold)
	return bug, decision, nil
}

// CreateUntriaged stores an open bug without consulting the predictor.
func (e Engine) CreateUntriaged(ctx context.Context, in BugInput) (domain.Bug, error) {
	in, err := in.normalize()
	if err != nil {
		return domain.Bug{}, err
	}
	if in.ExternalRef != "" {
		unlock := e.LockExternalRef(in.ExternalRef)
		defer unlock()
	}
	if err := e.refAvailable(ctx, in.ExternalRef); err != nil {
		return domain.Bug{}, err
	}
	now := e.timestamp()
	bug := domain.Bug{
		Title:       in.Title,
		Body:        in.Body,
		Priority:    in.Priority,
		Source:      in.Source,
		ExternalRef: optionalString(in.ExternalRef),
		Status:      domain.StatusOpen,
		Tags:        in.Tags,
		Predictions: []domain.Prediction{},
		Threshold:   e.Threshold(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bug{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertBug(ctx, tx, bug)
	if err != nil {
		return domain.Bug{}, fmt.Errorf("insert bug: %w", err)
	}
	bug.ID = id
	if err := e.audit().Append(ctx, tx, events.BugCreated, "bug", strconv.FormatInt(id, 10), in.ActorID, events.EventPayload{"status": bug.Status, "source": bug.Source}); err != nil {
		return domain.Bug{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bug{}, err
	}
	e.log().Info("bug created", "bug_id", id, "status", bug.Status)
	return bug, nil
}

// Triage runs prediction for an open bug and applies the policy.
func (e Engine) Triage(ctx context.Context, id int64, actorID string) (domain.Bug, policy.Decision, error) {
	unlock := e.lockKey(bugKey(id))
	defer unlock()

	bug, err := e.Repo.GetBug(ctx, id)
	if err != nil {
		return domain.Bug{}, policy.Decision{}, err
	}
	if bug.Status != domain.StatusOpen {
		return domain.Bug{}, policy.Decision{}, &domain.TransitionError{From: bug.Status, To: domain.StatusAssigned}
	}
	preds, err := e.predict(ctx, bug.Title, bug.Body)
	if err != nil {
		return domain.Bug{}, policy.Decision{}, err
	}
	decision, err := policy.Decide(preds, e.Threshold())
	if err != nil {
		return domain.Bug{}, decision, err
	}
	status := domain.StatusManualReview
	var devID *int64
	if decision.AutoAssign {
		status = domain.StatusAssigned
		devID = e.resolveDeveloper(ctx, decision.Top.Developer)
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bug{}, decision, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBugTriage(ctx, tx, id, status, decision.Predictions, decision.Threshold, now); err != nil {
		return domain.Bug{}, decision, err
	}
	entityID := strconv.FormatInt(id, 10)
	if decision.AutoAssign {
		ev := domain.AssignmentEvent{
			ID:            uuid.NewString(),
			BugID:         id,
			DeveloperID:   devID,
			DeveloperName: decision.Top.Developer,
			Type:          domain.AssignmentAutomatic,
			CreatedAt:     now,
		}
		if err := e.Ledger().Append(ctx, tx, ev); err != nil {
			return domain.Bug{}, decision, fmt.Errorf("append assignment: %w", err)
		}
		if err := e.audit().Append(ctx, tx, events.BugAssigned, "bug", entityID, actorID, assignmentPayload(ev)); err != nil {
			return domain.Bug{}, decision, err
		}
	}
	if err := e.audit().Append(ctx, tx, events.BugTriaged, "bug", entityID, actorID, events.EventPayload{
		"status":           status,
		"top_developer":    decision.Top.Developer,
		"top_confidence":   decision.Top.Confidence,
		"is_auto_assigned": decision.AutoAssign,
	}); err != nil {
		return domain.Bug{}, decision, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bug{}, decision, err
	}
	e.log().Info("bug triaged", "bug_id", id, "status", status, "top_developer", decision.Top.Developer)
	bug, err = e.Repo.GetBug(ctx, id)
	return bug, decision, err
}

func (e Engine) Get(ctx context.Context, id int64) (domain.Bug, error) {
	return e.Repo.GetBug(ctx, id)
}

type BugFilter struct {
	Status domain.Status
}

// List returns bugs oldest first, each with its latest assignment.
func (e Engine) List(ctx context.Context, f BugFilter) ([]domain.Bug, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Invalid("status", "must be one of open, assigned, manual-review, closed")
	}
	return e.Repo.ListBugs(ctx, f.Status)
}

// Assign records a manual assignment. It is never rejected for low
// confidence. A nil developerID is filled from the directory when the
// name resolves to exactly one developer.
func (e Engine) Assign(ctx context.Context, id int64, developerID *int64, developerName, actorID string) (domain.AssignmentEvent, error) {
	name := strings.TrimSpace(developerName)
	if name == "" {
		return domain.AssignmentEvent{}, domain.Invalid("developer_name", "is required")
	}

	unlock := e.lockKey(bugKey(id))
	defer unlock()

	bug, err := e.Repo.GetBug(ctx, id)
	if err != nil {
		return domain.AssignmentEvent{}, err
	}
	if bug.Status == domain.StatusClosed {
		return domain.AssignmentEvent{}, &domain.TransitionError{From: bug.Status, To: domain.StatusAssigned}
	}
	if developerID != nil {
		if _, err := e.Directory.Get(ctx, *developerID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.AssignmentEvent{}, domain.Invalid("developer_id", "unknown developer")
			}
			return domain.AssignmentEvent{}, err
		}
	} else {
		developerID = e.resolveDeveloper(ctx, name)
	}

	now := e.timestamp()
	ev := domain.AssignmentEvent{
		ID:            uuid.NewString(),
		BugID:         id,
		DeveloperID:   developerID,
		DeveloperName: name,
		Type:          domain.AssignmentManual,
		CreatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AssignmentEvent{}, err
	}
	defer tx.Rollback()
	if err := e.Ledger().Append(ctx, tx, ev); err != nil {
		return domain.AssignmentEvent{}, err
	}
	if err := e.Repo.UpdateBugStatus(ctx, tx, id, domain.StatusAssigned, now); err != nil {
		return domain.AssignmentEvent{}, err
	}
	payload := assignmentPayload(ev)
	payload["previous_status"] = bug.Status
	if err := e.audit().Append(ctx, tx, events.BugAssigned, "bug", strconv.FormatInt(id, 10), actorID, payload); err != nil {
		return domain.AssignmentEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AssignmentEvent{}, err
	}
	e.log().Info("bug assigned", "bug_id", id, "developer", name, "previous_status", bug.Status)
	return ev, nil
}

// Delete removes a bug and its assignment history.
func (e Engine) Delete(ctx context.Context, id int64, actorID string) error {
	unlock := e.lockKey(bugKey(id))
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBug(ctx, tx, id); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.BugDeleted, "bug", strconv.FormatInt(id, 10), actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("bug deleted", "bug_id", id)
	return nil
}

// PredictionSnapshot is the candidate list stored when a bug was triaged.
type PredictionSnapshot struct {
	BugID       int64               `json:"bug_id"`
	Status      domain.Status       `json:"status"`
	Predictions []domain.Prediction `json:"predictions"`
	Threshold   float64             `json:"threshold"`
}

// Predictions re-offers the stored snapshot; it never calls the predictor.
func (e Engine) Predictions(ctx context.Context, id int64) (PredictionSnapshot, error) {
	bug, err := e.Repo.GetBug(ctx, id)
	if err != nil {
		return PredictionSnapshot{}, err
	}
	return PredictionSnapshot{BugID: bug.ID, Status: bug.Status, Predictions: bug.Predictions, Threshold: bug.Threshold}, nil
}

// Developers lists the directory, optionally filtered by role.
func (e Engine) Developers(ctx context.Context, role string) ([]domain.Developer, error) {
	return e.Directory.List(ctx, role)
}

// AuditLog lists recorded audit events.
func (e Engine) AuditLog(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}

// RecordImport appends an import.completed audit event.
func (e Engine) RecordImport(ctx context.Context, res domain.ImportBatchResult, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.audit().Append(ctx, tx, events.ImportCompleted, "import", res.BatchID, actorID, events.EventPayload{
		"source":         res.Source,
		"requested":      res.Requested,
		"imported_count": res.Imported,
		"skipped_count":  res.Skipped,
		"error_count":    res.Errored,
		"canceled":       res.Canceled,
		"source_error":   res.SourceError,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// resolveDeveloper maps a name to a directory id, or nil when unresolved.
func (e Engine) resolveDeveloper(ctx context.Context, name string) *int64 {
	m, err := e.Directory.Resolve(ctx, name)
	if err != nil {
		e.log().Warn("developer lookup failed", "name", name, "err", err)
		return nil
	}
	if !m.Found() {
		e.log().Debug("developer unresolved", "name", name, "match", m.Status)
		return nil
	}
	id := m.Developer.ID
	return &id
}

func assignmentPayload(ev domain.AssignmentEvent) events.EventPayload {
	p := events.EventPayload{
		"assignment_id":   ev.ID,
		"developer_name":  ev.DeveloperName,
		"assignment_type": ev.Type,
	}
	if ev.DeveloperID != nil {
		p["developer_id"] = *ev.DeveloperID
	}
	return p
}
