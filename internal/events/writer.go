package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event types.
const (
	ReportCreated      = "report.created"
	CatalogItemsAdded  = "catalog.items_added"
	PhaseStarted       = "phase.started"
	PhaseCompleted     = "phase.completed"
	VersionCreated     = "version.created"
	VersionSubmitted   = "version.submitted"
	VersionApproved    = "version.approved"
	VersionRejected    = "version.rejected"
	VersionSuperseded  = "version.superseded"
	VersionDiscarded   = "version.discarded"
	VersionResubmitted = "version.resubmitted"
	RecordsSeeded      = "records.seeded"
	RecordSuggested    = "record.suggested"
	RecordTesterSet    = "record.tester_decided"
	RecordApproverSet  = "record.approver_decided"
	RecordsBulkApplied = "records.bulk_applied"
	JobSubmitted       = "job.submitted"
	JobPaused          = "job.paused"
	JobResumed         = "job.resumed"
	JobCompleted       = "job.completed"
	JobFailed          = "job.failed"
)

// Append writes one audit event through q, normally the operation's transaction.
func (w Writer) Append(ctx context.Context, q Execer, evtType, reportID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,report_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(reportID), entityKind, nullable(entityID), actorID, string(data))
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
