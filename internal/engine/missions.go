package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"teamline/internal/domain"
	"teamline/internal/events"
	"teamline/internal/pipeline"
)

type CreateMissionOptions struct {
	ID        string
	Title     string
	WIPLimits map[domain.Stage]int
	ActorID   string
}

// CreateMission starts an active mission. WIPLimits override the
// pipeline ceilings for the mission's items.
func (e Engine) CreateMission(ctx context.Context, opts CreateMissionOptions) (m domain.Mission, err error) {
	defer func() { e.observe("mission.create", err) }()
	for stage, limit := range opts.WIPLimits {
		if !e.Pipeline.Has(stage) {
			return domain.Mission{}, &pipeline.UnknownStageError{Stage: stage}
		}
		if limit < 0 {
			return domain.Mission{}, &ValidationError{Field: "wip_limits", Message: fmt.Sprintf("limit for %s must be >= 0", stage)}
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = "M-" + uuid.NewString()[:8]
	}
	now := e.stamp()
	m = domain.Mission{
		ID:        id,
		Title:     opts.Title,
		Status:    domain.MissionActive,
		WIPLimits: opts.WIPLimits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.inMissionTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetMissionTx(ctx, tx, id); err == nil {
			return &ValidationError{Field: "id", Message: fmt.Sprintf("mission %s already exists", id)}
		}
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.MissionCreated, MissionID: id, EntityKind: "mission", EntityID: id, ActorID: opts.ActorID,
			Payload: events.EventPayload{"status": m.Status},
		})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, notFound("mission", id, err)
	}
	return m, nil
}

func (e Engine) ListMissions(ctx context.Context, status domain.MissionStatus) ([]domain.Mission, error) {
	switch status {
	case "", domain.MissionActive, domain.MissionPaused, domain.MissionBlocked, domain.MissionComplete:
	default:
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.Repo.ListMissions(ctx, status)
}

func ensureMissionTransition(from, to domain.MissionStatus) bool {
	switch from {
	case domain.MissionActive:
		return to == domain.MissionPaused || to == domain.MissionBlocked
	case domain.MissionPaused:
		return to == domain.MissionActive || to == domain.MissionBlocked
	case domain.MissionBlocked:
		return to == domain.MissionActive || to == domain.MissionPaused
	}
	return false
}

// SetMissionStatus changes status among active, paused and blocked.
// Completion goes through CompleteMission.
func (e Engine) SetMissionStatus(ctx context.Context, id string, status domain.MissionStatus, actorID string) (m domain.Mission, err error) {
	defer func() { e.observe("mission.status", err) }()
	err = e.updateMission(ctx, id, func(cur *domain.Mission) error {
		if !ensureMissionTransition(cur.Status, status) {
			return &MissionTransitionError{MissionID: id, From: cur.Status, To: status}
		}
		cur.Status = status
		return nil
	}, events.MissionStatus, actorID, &m)
	return m, err
}

// RecordFinalReview stores the final review verdict.
func (e Engine) RecordFinalReview(ctx context.Context, id, verdict, actorID string) (m domain.Mission, err error) {
	defer func() { e.observe("mission.final_review", err) }()
	verdict = strings.ToLower(strings.TrimSpace(verdict))
	if verdict != "approved" && verdict != "rejected" {
		return domain.Mission{}, &ValidationError{Field: "verdict", Message: "must be approved or rejected"}
	}
	err = e.updateMission(ctx, id, func(cur *domain.Mission) error {
		if cur.Status == domain.MissionComplete {
			return &MissionTransitionError{MissionID: id, From: cur.Status, To: cur.Status}
		}
		cur.FinalReviewVerdict = &verdict
		return nil
	}, events.MissionReviewed, actorID, &m)
	return m, err
}

// RecordPostcheck stores the result of the post-mission checks.
func (e Engine) RecordPostcheck(ctx context.Context, id string, result domain.PostcheckResult, actorID string) (m domain.Mission, err error) {
	defer func() { e.observe("mission.postcheck", err) }()
	err = e.updateMission(ctx, id, func(cur *domain.Mission) error {
		if cur.Status == domain.MissionComplete {
			return &MissionTransitionError{MissionID: id, From: cur.Status, To: cur.Status}
		}
		cur.Postcheck = &result
		return nil
	}, events.MissionChecked, actorID, &m)
	return m, err
}

// CompleteMission marks a mission complete once every item is done, the
// final review approved it and the postcheck passed.
func (e Engine) CompleteMission(ctx context.Context, id, actorID string) (m domain.Mission, err error) {
	defer func() { e.observe("mission.complete", err) }()
	done := e.Pipeline.Done()
	err = e.inMissionTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetMissionTx(ctx, tx, id)
		if err != nil {
			return notFound("mission", id, err)
		}
		if cur.Status == domain.MissionComplete {
			return &MissionTransitionError{MissionID: id, From: cur.Status, To: domain.MissionComplete}
		}
		var reasons []string
		open, err := e.Repo.CountOutsideStage(ctx, tx, id, done)
		if err != nil {
			return err
		}
		if open > 0 {
			reasons = append(reasons, fmt.Sprintf("%d item(s) not in %s", open, done))
		}
		switch {
		case cur.FinalReviewVerdict == nil:
			reasons = append(reasons, "final review verdict missing")
		case *cur.FinalReviewVerdict != "approved":
			reasons = append(reasons, "final review "+*cur.FinalReviewVerdict)
		}
		switch {
		case cur.Postcheck == nil:
			reasons = append(reasons, "postcheck missing")
		case !cur.Postcheck.Passed:
			reasons = append(reasons, "postcheck failed")
		}
		if len(reasons) > 0 {
			return &MissionIncompleteError{MissionID: id, Reasons: reasons}
		}
		now := e.stamp()
		cur.Status = domain.MissionComplete
		cur.UpdatedAt = now
		cur.CompletedAt = &now
		if err := e.Repo.UpdateMission(ctx, tx, cur); err != nil {
			return err
		}
		m = cur
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.MissionCompleted, MissionID: id, EntityKind: "mission", EntityID: id, ActorID: actorID,
			Payload: events.EventPayload{"status": cur.Status},
		})
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) inMissionTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) updateMission(ctx context.Context, id string, mutate func(*domain.Mission) error, evtType, actorID string, out *domain.Mission) error {
	return e.inMissionTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetMissionTx(ctx, tx, id)
		if err != nil {
			return notFound("mission", id, err)
		}
		if err := mutate(&cur); err != nil {
			return err
		}
		cur.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateMission(ctx, tx, cur); err != nil {
			return err
		}
		payload := events.EventPayload{"status": cur.Status}
		if cur.FinalReviewVerdict != nil {
			payload["final_review_verdict"] = *cur.FinalReviewVerdict
		}
		if cur.Postcheck != nil {
			payload["postcheck_passed"] = cur.Postcheck.Passed
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: evtType, MissionID: id, EntityKind: "mission", EntityID: id, ActorID: actorID, Payload: payload,
		}); err != nil {
			return err
		}
		*out = cur
		return nil
	})
}

// ensureMissionOpen fails when missionID names a missing or completed
// mission. Items outside any mission pass.
func (e Engine) ensureMissionOpen(ctx context.Context, tx *sql.Tx, missionID, op string) error {
	if missionID == "" {
		return nil
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return notFound("mission", missionID, err)
	}
	if m.Status == domain.MissionComplete {
		return &MissionClosedError{MissionID: m.ID, Op: op}
	}
	return nil
}
