package engine

import (
	"context"
	"fmt"

	"teamline/internal/events"
)

type ClaimResult struct {
	Success bool   `json:"success"`
	ItemID  string `json:"item_id"`
	Agent   string `json:"agent"`
}

// Claim gives agent exclusive ownership of an active item. Re-claiming an
// item the agent already owns succeeds.
func (e Engine) Claim(ctx context.Context, itemID, agent string) (res ClaimResult, err error) {
	defer func() { e.observe("claim", err) }()
	agent = normalizeAgent(agent)
	if itemID == "" {
		return ClaimResult{}, required("item_id")
	}
	if agent == "" {
		return ClaimResult{}, required("agent")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return ClaimResult{}, notFound("item", itemID, err)
	}
	if !e.Pipeline.IsActive(item.Stage) {
		return ClaimResult{}, &StageError{ItemID: itemID, Stage: item.Stage, Op: "claim"}
	}
	if e.Config != nil && e.Config.Claims.RequireDependenciesDone {
		pending, err := e.Repo.UnfinishedDependencies(ctx, tx, itemID, e.Pipeline.Done())
		if err != nil {
			return ClaimResult{}, err
		}
		if len(pending) > 0 {
			return ClaimResult{}, &DependencyError{ItemID: itemID, Pending: pending}
		}
	}
	ok, err := e.Repo.ClaimItem(ctx, tx, itemID, agent, e.stamp())
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim item: %w", err)
	}
	if !ok {
		current, err := e.Repo.GetItemTx(ctx, tx, itemID)
		if err != nil {
			return ClaimResult{}, notFound("item", itemID, err)
		}
		owner := ""
		if current.Owner != nil {
			owner = *current.Owner
		}
		e.Metrics.Claim("conflict")
		return ClaimResult{}, &ConflictError{ItemID: itemID, Owner: owner}
	}
	if item.Owner == nil {
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ItemClaimed, MissionID: item.MissionID, EntityKind: "item", EntityID: itemID, ActorID: agent,
			Payload: events.EventPayload{"stage": item.Stage},
		}); err != nil {
			return ClaimResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	e.Metrics.Claim("acquired")
	return ClaimResult{Success: true, ItemID: itemID, Agent: agent}, nil
}

type ReleaseResult struct {
	Success bool   `json:"success"`
	ItemID  string `json:"item_id"`
}

// Release clears the owner. Releasing an unowned item succeeds.
func (e Engine) Release(ctx context.Context, itemID, actorID string) (res ReleaseResult, err error) {
	defer func() { e.observe("release", err) }()
	if itemID == "" {
		return ReleaseResult{}, required("item_id")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return ReleaseResult{}, notFound("item", itemID, err)
	}
	if item.Owner != nil {
		if err := e.Repo.ReleaseItem(ctx, tx, itemID, e.stamp()); err != nil {
			return ReleaseResult{}, notFound("item", itemID, err)
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ItemReleased, MissionID: item.MissionID, EntityKind: "item", EntityID: itemID, ActorID: actorID,
			Payload: events.EventPayload{"previous_owner": *item.Owner},
		}); err != nil {
			return ReleaseResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{Success: true, ItemID: itemID}, nil
}
