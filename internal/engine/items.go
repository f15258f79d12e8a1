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
	"teamline/internal/repo"
)

// CreateItemOptions are parameters for adding a work item.
type CreateItemOptions struct {
	ID          string
	MissionID   string
	Title       string
	Description string
	Stage       domain.Stage
	DependsOn   []string
	ActorID     string
}

// CreateItem adds an item in the initial stage.
func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (item domain.WorkItem, err error) {
	defer func() { e.observe("create", err) }()
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, required("title")
	}
	if err := e.Pipeline.ValidateCreate(opts.Stage); err != nil {
		return domain.WorkItem{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	seen := map[string]bool{}
	var deps []string
	for _, d := range opts.DependsOn {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		if d == id {
			return domain.WorkItem{}, &ValidationError{Field: "depends_on", Message: "item cannot depend on itself"}
		}
		seen[d] = true
		deps = append(deps, d)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.ensureMissionOpen(ctx, tx, opts.MissionID, "create item"); err != nil {
		return domain.WorkItem{}, err
	}
	exists, err := e.Repo.ItemExists(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if exists {
		return domain.WorkItem{}, &ValidationError{Field: "id", Message: fmt.Sprintf("item %s already exists", id)}
	}
	for _, d := range deps {
		ok, err := e.Repo.ItemExists(ctx, tx, d)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if !ok {
			return domain.WorkItem{}, &ValidationError{Field: "depends_on", Message: fmt.Sprintf("unknown item %s", d)}
		}
	}
	now := e.stamp()
	item = domain.WorkItem{
		ID:          id,
		MissionID:   opts.MissionID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Stage:       e.Pipeline.Initial(),
		DependsOn:   deps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type: events.ItemCreated, MissionID: item.MissionID, EntityKind: "item", EntityID: id, ActorID: opts.ActorID,
		Payload: events.EventPayload{"stage": item.Stage, "depends_on": deps},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return it, notFound("item", id, err)
	}
	return it, nil
}

func (e Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.WorkItem, error) {
	if f.Stage != "" && !e.Pipeline.Has(f.Stage) {
		return nil, &pipeline.UnknownStageError{Stage: f.Stage}
	}
	return e.Repo.ListItems(ctx, f)
}

// MoveOptions request a stage transition.
type MoveOptions struct {
	ItemID  string
	To      domain.Stage
	ActorID string
}

type MoveResult struct {
	Success bool         `json:"success"`
	ItemID  string       `json:"item_id"`
	From    domain.Stage `json:"from"`
	To      domain.Stage `json:"to"`
}

// Move transitions an item along a legal edge, honoring the destination's
// WIP ceiling. A refused move leaves the item untouched.
func (e Engine) Move(ctx context.Context, opts MoveOptions) (res MoveResult, err error) {
	defer func() { e.observe("move", err) }()
	if opts.ItemID == "" {
		return MoveResult{}, required("item_id")
	}
	if opts.To == "" {
		return MoveResult{}, required("to")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return MoveResult{}, notFound("item", opts.ItemID, err)
	}
	from := item.Stage
	if err := e.moveTx(ctx, tx, item, opts.To, opts.ActorID); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}
	e.Metrics.Transition(string(from), string(opts.To))
	return MoveResult{Success: true, ItemID: item.ID, From: from, To: opts.To}, nil
}

// moveTx validates and applies one transition inside tx.
func (e Engine) moveTx(ctx context.Context, tx *sql.Tx, item domain.WorkItem, to domain.Stage, actorID string) error {
	if err := e.Pipeline.Validate(item.Stage, to); err != nil {
		return err
	}
	overrides, err := e.missionLimits(ctx, tx, item.MissionID)
	if err != nil {
		return err
	}
	ceiling := e.Pipeline.Ceiling(to, overrides)
	if ceiling != nil {
		occupancy, err := e.Repo.CountInStage(ctx, tx, item.MissionID, to, item.ID)
		if err != nil {
			return err
		}
		if err := pipeline.Admit(to, occupancy, ceiling); err != nil {
			return err
		}
	}
	moved, err := e.Repo.MoveItem(ctx, tx, item.ID, item.Stage, to, ceiling, e.stamp())
	if err != nil {
		return fmt.Errorf("move item: %w", err)
	}
	if !moved {
		return &StaleError{ItemID: item.ID}
	}
	return e.events().Append(ctx, tx, events.Entry{
		Type: events.ItemMoved, MissionID: item.MissionID, EntityKind: "item", EntityID: item.ID, ActorID: actorID,
		Payload: events.EventPayload{"from": item.Stage, "to": to},
	})
}

func (e Engine) missionLimits(ctx context.Context, tx *sql.Tx, missionID string) (map[domain.Stage]int, error) {
	if missionID == "" {
		return nil, nil
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return nil, notFound("mission", missionID, err)
	}
	return m.WIPLimits, nil
}

var logOutcomes = map[string]bool{
	"started":   true,
	"completed": true,
	"rejected":  true,
	"escalated": true,
	"note":      true,
}

// AppendLog adds a work log entry to an item.
func (e Engine) AppendLog(ctx context.Context, itemID string, entry domain.WorkLogEntry) (item domain.WorkItem, err error) {
	defer func() { e.observe("log", err) }()
	entry.Agent = normalizeAgent(entry.Agent)
	if entry.Agent == "" {
		return domain.WorkItem{}, required("agent")
	}
	if entry.Outcome == "" {
		entry.Outcome = "note"
	}
	if !logOutcomes[entry.Outcome] {
		return domain.WorkItem{}, &ValidationError{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", entry.Outcome)}
	}
	if strings.TrimSpace(entry.Summary) == "" {
		return domain.WorkItem{}, required("summary")
	}
	entry.TS = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	item, err = e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.WorkItem{}, notFound("item", itemID, err)
	}
	if err := e.Repo.AppendWorkLog(ctx, tx, itemID, entry); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type: events.ItemLogged, MissionID: item.MissionID, EntityKind: "item", EntityID: itemID, ActorID: entry.Agent,
		Payload: events.EventPayload{"outcome": entry.Outcome},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	item.WorkLog = append(item.WorkLog, entry)
	return item, nil
}

// StageStat is one row of the board summary.
type StageStat struct {
	Stage    domain.Stage `json:"stage"`
	Count    int          `json:"count"`
	Limit    *int         `json:"limit,omitempty"`
	Terminal bool         `json:"terminal"`
}

// Stats summarizes occupancy per stage in pipeline order.
func (e Engine) Stats(ctx context.Context, missionID string) ([]StageStat, error) {
	var overrides map[domain.Stage]int
	if missionID != "" {
		m, err := e.Repo.GetMission(ctx, missionID)
		if err != nil {
			return nil, notFound("mission", missionID, err)
		}
		overrides = m.WIPLimits
	}
	counts, err := e.Repo.CountByStage(ctx, missionID)
	if err != nil {
		return nil, err
	}
	stats := make([]StageStat, 0, len(e.Pipeline.Stages()))
	for _, s := range e.Pipeline.Stages() {
		stats = append(stats, StageStat{
			Stage:    s,
			Count:    counts[s],
			Limit:    e.Pipeline.Ceiling(s, overrides),
			Terminal: e.Pipeline.IsTerminal(s),
		})
	}
	return stats, nil
}
