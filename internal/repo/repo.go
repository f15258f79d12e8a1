package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"teamline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

const itemColumns = `id,COALESCE(mission_id,''),title,COALESCE(description,''),stage,owner,rejection_count,created_at,updated_at`

func scanItem(s scanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var owner sql.NullString
	var stage string
	err := s.Scan(&it.ID, &it.MissionID, &it.Title, &it.Description, &stage, &owner, &it.RejectionCount, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Stage = domain.Stage(stage)
	if owner.Valid {
		it.Owner = &owner.String
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items(id,mission_id,title,description,stage,owner,rejection_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, nullable(it.MissionID), it.Title, nullable(it.Description), string(it.Stage), nullableStringPtr(it.Owner), it.RejectionCount, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return err
	}
	return r.AddDependencies(ctx, tx, it.ID, it.DependsOn)
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_deps(item_id,depends_on) VALUES (?,?)`, itemID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, r.DB, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, tx, id)
}

func (r Repo) getItem(ctx context.Context, q querier, id string) (domain.WorkItem, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	if it.DependsOn, err = listDependencies(ctx, q, id); err != nil {
		return it, err
	}
	if it.WorkLog, err = listWorkLog(ctx, q, id); err != nil {
		return it, err
	}
	return it, nil
}

// ItemExists reports whether an item id is on the board.
func (r Repo) ItemExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM items WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func listDependencies(ctx context.Context, q querier, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM item_deps WHERE item_id=? ORDER BY depends_on`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func listWorkLog(ctx context.Context, q querier, itemID string) ([]domain.WorkLogEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT agent,outcome,COALESCE(summary,''),ts FROM work_log WHERE item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.WorkLogEntry
	for rows.Next() {
		var e domain.WorkLogEntry
		if err := rows.Scan(&e.Agent, &e.Outcome, &e.Summary, &e.TS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnfinishedDependencies returns the dependencies of an item that are not
// in stage done. Unknown dependency ids count as unfinished.
func (r Repo) UnfinishedDependencies(ctx context.Context, tx *sql.Tx, itemID string, done domain.Stage) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT d.depends_on FROM item_deps d LEFT JOIN items i ON i.id=d.depends_on
WHERE d.item_id=? AND (i.id IS NULL OR i.stage<>?) ORDER BY d.depends_on`, itemID, string(done))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type ItemFilters struct {
	MissionID string
	Stage     domain.Stage
	Owner     string
	Limit     int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM items ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].DependsOn, err = listDependencies(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountInStage counts the items of a mission in a stage, excluding one id.
func (r Repo) CountInStage(ctx context.Context, tx *sql.Tx, missionID string, stage domain.Stage, excludeID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM items WHERE stage=? AND mission_id IS ? AND id<>?`,
		string(stage), nullable(missionID), excludeID).Scan(&n)
	return n, err
}

// CountByStage returns item counts per stage for a mission ("" for all).
func (r Repo) CountByStage(ctx context.Context, missionID string) (map[domain.Stage]int, error) {
	query := `SELECT stage, count(*) FROM items GROUP BY stage`
	var args []any
	if missionID != "" {
		query = `SELECT stage, count(*) FROM items WHERE mission_id=? GROUP BY stage`
		args = append(args, missionID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Stage]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		res[domain.Stage(stage)] = n
	}
	return res, rows.Err()
}

// CountOutsideStage counts mission items not in the given stage.
func (r Repo) CountOutsideStage(ctx context.Context, tx *sql.Tx, missionID string, stage domain.Stage) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM items WHERE mission_id=? AND stage<>?`, missionID, string(stage)).Scan(&n)
	return n, err
}

// MoveItem sets the stage only if the item is still in from and, when a
// ceiling is given, the destination holds fewer than ceiling other items of
// the same mission. The check and the write are one statement.
func (r Repo) MoveItem(ctx context.Context, tx *sql.Tx, id string, from, to domain.Stage, ceiling *int, now string) (bool, error) {
	query := `UPDATE items SET stage=?, updated_at=? WHERE id=? AND stage=?`
	args := []any{string(to), now, id, string(from)}
	if ceiling != nil {
		query += ` AND (SELECT count(*) FROM items o WHERE o.stage=? AND o.mission_id IS items.mission_id AND o.id<>items.id) < ?`
		args = append(args, string(to), *ceiling)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimItem sets owner if the item is unowned or already owned by agent.
func (r Repo) ClaimItem(ctx context.Context, tx *sql.Tx, id, agent, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE items SET owner=?, updated_at=? WHERE id=? AND (owner IS NULL OR owner=?)`, agent, now, id, agent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseItem clears the owner unconditionally.
func (r Repo) ReleaseItem(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET owner=NULL, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRejections bumps rejection_count and returns the new value.
func (r Repo) IncrementRejections(ctx context.Context, tx *sql.Tx, id, now string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `UPDATE items SET rejection_count=rejection_count+1, updated_at=? WHERE id=? RETURNING rejection_count`, now, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

// EscalateItem forces an item into the blocked stage and clears its owner.
func (r Repo) EscalateItem(ctx context.Context, tx *sql.Tx, id string, blocked domain.Stage, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET stage=?, owner=NULL, updated_at=? WHERE id=?`, string(blocked), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendWorkLog(ctx context.Context, tx *sql.Tx, itemID string, e domain.WorkLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_log(item_id,agent,outcome,summary,ts) VALUES (?,?,?,?,?)`,
		itemID, e.Agent, e.Outcome, nullable(e.Summary), e.TS)
	if err != nil {
		return fmt.Errorf("append work log: %w", err)
	}
	return nil
}
