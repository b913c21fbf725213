package domain

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// TimeLayout is the fixed-width UTC layout for stored timestamps, so
// lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

type Status string

const (
	StatusOpen         Status = "open"
	StatusAssigned     Status = "assigned"
	StatusManualReview Status = "manual-review"
	StatusClosed       Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusManualReview, StatusClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type AssignmentType string

func (t AssignmentType) Valid() bool {
	return t == AssignmentAutomatic || t == AssignmentManual
}

const (
	AssignmentAutomatic AssignmentType = "automatic"
	AssignmentManual    AssignmentType = "manual"
)

// SourceManual tags bugs reported interactively.
const SourceManual = "manual"

type Prediction struct {
	Developer  string  `json:"developer"`
	Confidence float64 `json:"confidence" minimum:"0" maximum:"1"`
}

type Bug struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Priority    Priority         `json:"priority" enum:"low,medium,high,critical"`
	Source      string           `json:"source"`
	ExternalRef *string          `json:"external_ref,omitempty"`
	Status      Status           `json:"status" enum:"open,assigned,manual-review,closed"`
	Tags        []string         `json:"tags"`
	Predictions []Prediction     `json:"predictions"`
	Threshold   float64          `json:"threshold"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
	Assignment  *AssignmentEvent `json:"assignment,omitempty"`
}

type AssignmentEvent struct {
	ID            string         `json:"id"`
	BugID         int64          `json:"bug_id"`
	DeveloperID   *int64         `json:"developer_id,omitempty"`
	DeveloperName string         `json:"developer_name"`
	Type          AssignmentType `json:"assignment_type" enum:"automatic,manual"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type Developer struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type ImportedBug struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type ImportError struct {
	ExternalRef string `json:"external_ref,omitempty"`
	Title       string `json:"title"`
	Reason      string `json:"reason"`
}

// ImportBatchResult is returned by a bulk import; it is never persisted.
type ImportBatchResult struct {
	BatchID     string        `json:"batch_id"`
	Source      string        `json:"source"`
	Requested   int           `json:"requested"`
	Imported    int           `json:"imported_count"`
	Skipped     int           `json:"skipped_count"`
	Errored     int           `json:"error_count"`
	Items       []ImportedBug `json:"items"`
	Errors      []ImportError `json:"errors,omitempty"`
	SourceError string        `json:"source_error,omitempty"`
	Canceled    bool          `json:"canceled,omitempty"`
}

type Stats struct {
	TotalBugs        int            `json:"total_bugs"`
	AutoAssigned     int            `json:"auto_assigned"`
	ManualReview     int            `json:"manual_review"`
	PendingBugs      int            `json:"pending_bugs"`
	BugsPerDeveloper map[string]int `json:"bugs_per_developer"`
}

// NormalizeTags folds, trims and deduplicates labels, returning them sorted.
// A comma is the storage separator, so a label containing one is split.
func NormalizeTags(in []string) []string {
	folder := cases.Fold()
	seen := map[string]struct{}{}
	out := []string{}
	var parts []string
	for _, t := range in {
		parts = append(parts, strings.Split(t, ",")...)
	}
	for _, t := range parts {
		t = strings.TrimSpace(folder.String(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseTags accepts the comma-joined form used at the boundary.
func ParseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	return NormalizeTags(strings.Split(raw, ","))
}

// JoinTags renders tags back into their comma-joined storage form.
func JoinTags(tags []string) string {
	return strings.Join(NormalizeTags(tags), ",")
}
