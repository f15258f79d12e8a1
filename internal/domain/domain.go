package domain

// Stage names a station in the work-item pipeline.
type Stage string

const (
	StageBacklog      Stage = "backlog"
	StageReady        Stage = "ready"
	StageTesting      Stage = "testing"
	StageImplementing Stage = "implementing"
	StageReview       Stage = "review"
	StageProbing      Stage = "probing"
	StageDone         Stage = "done"
	StageBlocked      Stage = "blocked"
)

type WorkLogEntry struct {
	Agent   string `json:"agent"`
	Outcome string `json:"outcome" enum:"started,completed,rejected,escalated,note"`
	Summary string `json:"summary"`
	TS      string `json:"ts" format:"date-time"`
}

type WorkItem struct {
	ID             string         `json:"id"`
	MissionID      string         `json:"mission_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Stage          Stage          `json:"stage"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Owner          *string        `json:"owner,omitempty"`
	RejectionCount int            `json:"rejection_count"`
	WorkLog        []WorkLogEntry `json:"work_log,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionActive   MissionStatus = "active"
	MissionPaused   MissionStatus = "paused"
	MissionBlocked  MissionStatus = "blocked"
	MissionComplete MissionStatus = "complete"
)

type PostcheckResult struct {
	Passed bool     `json:"passed"`
	Checks []string `json:"checks,omitempty"`
}

type Mission struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title,omitempty"`
	Status             MissionStatus    `json:"status" enum:"active,paused,blocked,complete"`
	WIPLimits          map[Stage]int    `json:"wip_limits,omitempty"`
	FinalReviewVerdict *string          `json:"final_review_verdict,omitempty" enum:"approved,rejected"`
	Postcheck          *PostcheckResult `json:"postcheck,omitempty"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
	CompletedAt        *string          `json:"completed_at,omitempty" format:"date-time"`
}

// AgentIdentity is a canonical lowercase agent name or Unknown.
type AgentIdentity string

const Unknown AgentIdentity = "unknown"

func (a AgentIdentity) IsUnknown() bool { return a == "" || a == Unknown }

// ActionKind classifies an attempted agent action.
type ActionKind string

const (
	ActionWriteFile  ActionKind = "write-file"
	ActionEditFile   ActionKind = "edit-file"
	ActionRunCommand ActionKind = "run-command"
	ActionCallTool   ActionKind = "call-tool"
)

// ActionKinds lists every action kind.
var ActionKinds = []ActionKind{ActionWriteFile, ActionEditFile, ActionRunCommand, ActionCallTool}

type ActionRequest struct {
	Agent  AgentIdentity `json:"agent"`
	Kind   ActionKind    `json:"kind"`
	Target string        `json:"target"`
	Role   string        `json:"role,omitempty"`
}

type PolicyDecision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	Auditable     bool   `json:"auditable"`
	Rule          string `json:"rule,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AuditStatus is the outcome recorded on an audit event.
type AuditStatus string

const (
	AuditDenied  AuditStatus = "denied"
	AuditAllowed AuditStatus = "allowed"
	AuditPending AuditStatus = "pending"
)

type AuditEvent struct {
	CorrelationID string      `json:"correlation_id"`
	EventType     string      `json:"event_type"`
	AgentName     string      `json:"agent_name"`
	ToolName      string      `json:"tool_name,omitempty"`
	Status        AuditStatus `json:"status"`
	Summary       string      `json:"summary"`
	Timestamp     string      `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
