package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the board.
const (
	ItemCreated      = "item.created"
	ItemMoved        = "item.moved"
	ItemClaimed      = "item.claimed"
	ItemReleased     = "item.released"
	ItemRejected     = "item.rejected"
	ItemEscalated    = "item.escalated"
	ItemLogged       = "item.logged"
	MissionCreated   = "mission.created"
	MissionStatus    = "mission.status_changed"
	MissionReviewed  = "mission.final_reviewed"
	MissionChecked   = "mission.postchecked"
	MissionCompleted = "mission.completed"
)

// Writer appends journal entries inside the caller's transaction so an
// event exists iff its mutation committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry addresses one journal record.
type Entry struct {
	Type       string
	MissionID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.MissionID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
