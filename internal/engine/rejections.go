package engine

import (
	"context"
	"strings"

	"teamline/internal/domain"
	"teamline/internal/events"
)

// RejectOptions record a failed review. ReturnTo, when set, is where the
// item re-enters the pipeline if it is not escalated.
type RejectOptions struct {
	ItemID   string
	Reason   string
	Agent    string
	ReturnTo domain.Stage
}

type RejectResult struct {
	Item      domain.WorkItem `json:"item"`
	Escalated bool            `json:"escalated"`
}

func (e Engine) threshold() int {
	if e.Config == nil || e.Config.Rejections.Threshold < 1 {
		return 2
	}
	return e.Config.Rejections.Threshold
}

// Reject counts a rejection. Reaching the threshold forces the item into
// the blocked stage and clears its owner; below it the item moves to
// ReturnTo when given. Either way the whole operation is atomic.
func (e Engine) Reject(ctx context.Context, opts RejectOptions) (res RejectResult, err error) {
	defer func() { e.observe("reject", err) }()
	agent := normalizeAgent(opts.Agent)
	reason := strings.TrimSpace(opts.Reason)
	if opts.ItemID == "" {
		return RejectResult{}, required("item_id")
	}
	if reason == "" {
		return RejectResult{}, required("reason")
	}
	if agent == "" {
		return RejectResult{}, required("agent")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RejectResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return RejectResult{}, notFound("item", opts.ItemID, err)
	}
	blocked := e.Pipeline.Blocked()
	if item.Stage == blocked {
		return RejectResult{}, &StageError{ItemID: item.ID, Stage: item.Stage, Op: "reject"}
	}
	if err := e.ensureMissionOpen(ctx, tx, item.MissionID, "reject item "+item.ID); err != nil {
		return RejectResult{}, err
	}
	now := e.stamp()
	if err := e.Repo.AppendWorkLog(ctx, tx, item.ID, domain.WorkLogEntry{Agent: agent, Outcome: "rejected", Summary: reason, TS: now}); err != nil {
		return RejectResult{}, err
	}
	count, err := e.Repo.IncrementRejections(ctx, tx, item.ID, now)
	if err != nil {
		return RejectResult{}, notFound("item", item.ID, err)
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type: events.ItemRejected, MissionID: item.MissionID, EntityKind: "item", EntityID: item.ID, ActorID: agent,
		Payload: events.EventPayload{"reason": reason, "rejection_count": count},
	}); err != nil {
		return RejectResult{}, err
	}

	escalated := count >= e.threshold()
	switch {
	case escalated:
		if err := e.Repo.EscalateItem(ctx, tx, item.ID, blocked, now); err != nil {
			return RejectResult{}, err
		}
		summary := "escalated after repeated rejections"
		if err := e.Repo.AppendWorkLog(ctx, tx, item.ID, domain.WorkLogEntry{Agent: agent, Outcome: "escalated", Summary: summary, TS: now}); err != nil {
			return RejectResult{}, err
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ItemEscalated, MissionID: item.MissionID, EntityKind: "item", EntityID: item.ID, ActorID: agent,
			Payload: events.EventPayload{"from": item.Stage, "to": blocked, "rejection_count": count},
		}); err != nil {
			return RejectResult{}, err
		}
	case opts.ReturnTo != "":
		if err := e.moveTx(ctx, tx, item, opts.ReturnTo, agent); err != nil {
			return RejectResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RejectResult{}, err
	}

	if escalated {
		e.Metrics.Escalation()
		e.Metrics.Transition(string(item.Stage), string(blocked))
		e.logger().Warn("item escalated", "item", item.ID, "rejections", count, "agent", agent)
	} else if opts.ReturnTo != "" {
		e.Metrics.Transition(string(item.Stage), string(opts.ReturnTo))
	}
	updated, err := e.Repo.GetItem(ctx, item.ID)
	if err != nil {
		return RejectResult{}, err
	}
	return RejectResult{Item: updated, Escalated: escalated}, nil
}
