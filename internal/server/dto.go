package server

import (
	"encoding/json"

	"triageline/internal/domain"
	"triageline/internal/policy"
)

// Request payloads

type PredictRequest struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Source   string   `json:"source,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type CreateBugRequest struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Priority    string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Source      string   `json:"source,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type AssignRequest struct {
	DeveloperID   *int64 `json:"developer_id,omitempty"`
	DeveloperName string `json:"developer_name"`
}

type ImportRequest struct {
	Count int `json:"count"`
}

// Response payloads

type PredictionResponse struct {
	PredictedDeveloper string  `json:"predicted_developer"`
	Developer          string  `json:"developer"`
	Confidence         float64 `json:"confidence"`
}

type PredictResponse struct {
	BugID          int64                `json:"bug_id"`
	Predictions    []PredictionResponse `json:"predictions"`
	Threshold      float64              `json:"threshold"`
	IsAutoAssigned bool                 `json:"is_auto_assigned"`
	Status         domain.Status        `json:"status" enum:"open,assigned,manual-review,closed"`
	Tags           []string             `json:"tags"`
}

type DeleteResponse struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

type HealthResponse struct {
	Status    string `json:"status" enum:"ok,degraded"`
	Predictor string `json:"predictor"`
	Error     string `json:"error,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type bugList struct {
	Items []domain.Bug `json:"items"`
}

type assignmentList struct {
	Items []domain.AssignmentEvent `json:"items"`
}

type developerList struct {
	Items []domain.Developer `json:"items"`
}

func predictResponse(bug domain.Bug, d policy.Decision) PredictResponse {
	preds := make([]PredictionResponse, 0, len(d.Predictions))
	for _, p := range d.Predictions {
		preds = append(preds, PredictionResponse{PredictedDeveloper: p.Developer, Developer: p.Developer, Confidence: p.Confidence})
	}
	return PredictResponse{
		BugID:          bug.ID,
		Predictions:    preds,
		Threshold:      d.Threshold,
		IsAutoAssigned: d.AutoAssign,
		Status:         bug.Status,
		Tags:           nonNilSlice(bug.Tags),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
