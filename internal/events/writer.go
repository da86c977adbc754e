package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	AdminSetup            = "admin.setup"
	NodalRegistered       = "nodal.registered"
	NodalVerified         = "nodal.verified"
	NodalDenied           = "nodal.denied"
	DepartmentRegistered  = "department.registered"
	DepartmentVerified    = "department.verified"
	OfficerRegistered     = "officer.registered"
	CredentialPromoted    = "credential.promoted"
	CredentialChanged     = "credential.changed"
	CredentialReset       = "credential.reset"
	ProfileUpdated        = "profile.updated"
	TaskCreated           = "task.created"
	TaskInProgress        = "task.in_progress"
	TaskResolved          = "task.resolved"
	TaskReportAttached    = "task.report_attached"
	WorkAssigned          = "work.assigned"
	WorkUnassigned        = "work.unassigned"
	WorkStatusChanged     = "work.status_changed"
	WorkReportAttached    = "work.report_attached"
	NotificationQueued    = "notification.queued"
	NotificationResendReq = "notification.resend"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx so it commits or rolls back with
// the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
