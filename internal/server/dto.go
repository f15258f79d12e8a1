package server

import (
	"teamline/internal/domain"
	"teamline/internal/engine"
)

// Request payloads

type CreateItemRequest struct {
	ID          string   `json:"id,omitempty"`
	MissionID   string   `json:"mission_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Stage       string   `json:"stage,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type MoveRequest struct {
	To string `json:"to"`
}

type ClaimRequest struct {
	Agent string `json:"agent,omitempty"`
}

type RejectRequest struct {
	Reason   string `json:"reason"`
	Agent    string `json:"agent,omitempty"`
	ReturnTo string `json:"return_to,omitempty"`
}

type LogRequest struct {
	Agent   string `json:"agent,omitempty"`
	Outcome string `json:"outcome,omitempty" enum:"started,completed,rejected,escalated,note"`
	Summary string `json:"summary"`
}

type CreateMissionRequest struct {
	ID        string         `json:"id,omitempty"`
	Title     string         `json:"title,omitempty"`
	WIPLimits map[string]int `json:"wip_limits,omitempty"`
}

type MissionStatusRequest struct {
	Status string `json:"status" enum:"active,paused,blocked"`
}

type FinalReviewRequest struct {
	Verdict string `json:"verdict" enum:"approved,rejected"`
}

type PostcheckRequest struct {
	Passed bool     `json:"passed"`
	Checks []string `json:"checks,omitempty"`
}

// Response payloads

type itemOutput struct {
	Body domain.WorkItem
}

type itemList struct {
	Items []domain.WorkItem `json:"items"`
}

type missionOutput struct {
	Body domain.Mission
}

type missionList struct {
	Items []domain.Mission `json:"items"`
}

type ActiveResponse struct {
	Active bool `json:"active"`
}

type StatsResponse struct {
	MissionID string             `json:"mission_id,omitempty"`
	Stages    []engine.StageStat `json:"stages"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type auditList struct {
	Items []domain.AuditEvent `json:"items"`
}

func stageLimits(in map[string]int) map[domain.Stage]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[domain.Stage]int, len(in))
	for k, v := range in {
		out[domain.Stage(k)] = v
	}
	return out
}
