package domain

// VersionStatus is the lifecycle state of a Version.
type VersionStatus string

const (
	VersionDraft           VersionStatus = "draft"
	VersionPendingApproval VersionStatus = "pending_approval"
	VersionApproved        VersionStatus = "approved"
	VersionRejected        VersionStatus = "rejected"
	VersionSuperseded      VersionStatus = "superseded"
)

// Open reports whether the status counts against the one-open-version rule.
func (s VersionStatus) Open() bool {
	return s == VersionDraft || s == VersionPendingApproval
}

// PhaseStatus is the lifecycle state of a phase instance.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
)

// JobState is the lifecycle state of a batch job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// DecisionKind selects which decision slot a human write lands in.
type DecisionKind string

const (
	DecisionTester   DecisionKind = "tester"
	DecisionApprover DecisionKind = "approver"
)

// Actions.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionRevise  = "revise"
)

type Report struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CatalogItem struct {
	ID            string `json:"id"`
	ReportID      string `json:"report_id"`
	Position      int    `json:"position"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	IsCritical    bool   `json:"is_critical"`
	HasKnownIssue bool   `json:"has_known_issue"`
}

type PhaseInstance struct {
	ID          string      `json:"id"`
	ReportID    string      `json:"report_id"`
	Phase       string      `json:"phase"`
	Status      PhaseStatus `json:"status" enum:"not_started,in_progress,complete"`
	StartedBy   string      `json:"started_by,omitempty"`
	StartedAt   string      `json:"started_at,omitempty" format:"date-time"`
	CompletedBy *string     `json:"completed_by,omitempty"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

// Counters are the cached aggregates of a version's records.
type Counters struct {
	Total      int `json:"total"`
	Decided    int `json:"decided"`
	Accepted   int `json:"accepted"`
	Declined   int `json:"declined"`
	Overridden int `json:"overridden"`
}

type Version struct {
	ID              string        `json:"id"`
	PhaseInstanceID string        `json:"phase_instance_id"`
	Number          int           `json:"number"`
	Status          VersionStatus `json:"status" enum:"draft,pending_approval,approved,rejected,superseded"`
	ParentID        *string       `json:"parent_id,omitempty"`
	Counters        Counters      `json:"counters"`
	CreatedBy       string        `json:"created_by"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	SubmittedBy     *string       `json:"submitted_by,omitempty"`
	SubmittedAt     *string       `json:"submitted_at,omitempty" format:"date-time"`
	ApprovedBy      *string       `json:"approved_by,omitempty"`
	ApprovedAt      *string       `json:"approved_at,omitempty" format:"date-time"`
	ApprovalNotes   *string       `json:"approval_notes,omitempty"`
	RejectedBy      *string       `json:"rejected_by,omitempty"`
	RejectedAt      *string       `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason *string       `json:"rejection_reason,omitempty"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

// Suggestion is an automated recommendation for one item.
type Suggestion struct {
	Action      string            `json:"action" enum:"accept,decline"`
	Confidence  float64           `json:"confidence" minimum:"0" maximum:"1"`
	Rationale   string            `json:"rationale,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	GeneratedAt string            `json:"generated_at,omitempty" format:"date-time"`
	RawRequest  string            `json:"raw_request,omitempty"`
	RawResponse string            `json:"raw_response,omitempty"`
}

type TesterDecision struct {
	Action    string `json:"action" enum:"accept,decline"`
	Rationale string `json:"rationale,omitempty"`
	DecidedBy string `json:"decided_by"`
	DecidedAt string `json:"decided_at" format:"date-time"`
}

type ApproverDecision struct {
	Action    string `json:"action" enum:"approve,reject,revise"`
	Notes     string `json:"notes,omitempty"`
	DecidedBy string `json:"decided_by"`
	DecidedAt string `json:"decided_at" format:"date-time"`
}

// NeedsRework reports whether the approver flagged the item for re-decision.
func (d *ApproverDecision) NeedsRework() bool {
	return d != nil && (d.Action == ActionReject || d.Action == ActionRevise)
}

type DecisionRecord struct {
	ID             string            `json:"id"`
	VersionID      string            `json:"version_id"`
	ItemID         string            `json:"item_id"`
	Position       int               `json:"position"`
	Suggestion     *Suggestion       `json:"suggestion,omitempty"`
	Tester         *TesterDecision   `json:"tester,omitempty"`
	Approver       *ApproverDecision `json:"approver,omitempty"`
	Override       bool              `json:"override"`
	OverrideReason string            `json:"override_reason,omitempty"`
	IsCritical     bool              `json:"is_critical"`
	HasKnownIssue  bool              `json:"has_known_issue"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// ItemDescriptor is the input a recommendation provider sees for one item.
type ItemDescriptor struct {
	ItemID        string            `json:"item_id"`
	Name          string            `json:"name,omitempty"`
	Description   string            `json:"description,omitempty"`
	IsCritical    bool              `json:"is_critical,omitempty"`
	HasKnownIssue bool              `json:"has_known_issue,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type BatchJob struct {
	ID           string   `json:"id"`
	VersionID    string   `json:"version_id"`
	RootJobID    string   `json:"root_job_id"`
	ResumedFrom  *string  `json:"resumed_from,omitempty"`
	ResumedBy    *string  `json:"resumed_by,omitempty"`
	State        JobState `json:"state" enum:"running,paused,completed,failed"`
	Total        int      `json:"total"`
	Cursor       int      `json:"cursor"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	PauseRequest bool     `json:"pause_requested"`
	FailReason   string   `json:"fail_reason,omitempty"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Checkpoint is the persisted resumption point of a job.
type Checkpoint struct {
	JobID     string `json:"job_id"`
	Cursor    int    `json:"cursor"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// JobStatus is the job status surface.
type JobStatus struct {
	JobID     string   `json:"job_id"`
	State     JobState `json:"state"`
	Cursor    int      `json:"cursor"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Reason    string   `json:"reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ReportID   string `json:"report_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
