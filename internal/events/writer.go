package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"triageline/internal/domain"
)

const (
	BugCreated      = "bug.created"
	BugAssigned     = "bug.assigned"
	BugTriaged      = "bug.triaged"
	BugDeleted      = "bug.deleted"
	ImportCompleted = "import.completed"
)

// SystemActor is recorded when no caller identified itself.
const SystemActor = "system"

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(domain.TimeLayout), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
