package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"teamline/internal/domain"
)

const missionColumns = `id,COALESCE(title,''),status,wip_limits_json,final_review_verdict,postcheck_json,created_at,updated_at,completed_at`

func scanMission(s scanner) (domain.Mission, error) {
	var m domain.Mission
	var status string
	var limits, verdict, postcheck, completedAt sql.NullString
	err := s.Scan(&m.ID, &m.Title, &status, &limits, &verdict, &postcheck, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.MissionStatus(status)
	if limits.Valid && limits.String != "" {
		if err := json.Unmarshal([]byte(limits.String), &m.WIPLimits); err != nil {
			return m, err
		}
	}
	if verdict.Valid {
		m.FinalReviewVerdict = &verdict.String
	}
	if postcheck.Valid && postcheck.String != "" {
		var pc domain.PostcheckResult
		if err := json.Unmarshal([]byte(postcheck.String), &pc); err != nil {
			return m, err
		}
		m.Postcheck = &pc
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func missionArgs(m domain.Mission) (limits, postcheck any, err error) {
	if len(m.WIPLimits) > 0 {
		data, err := json.Marshal(m.WIPLimits)
		if err != nil {
			return nil, nil, err
		}
		limits = string(data)
	}
	if m.Postcheck != nil {
		data, err := json.Marshal(m.Postcheck)
		if err != nil {
			return nil, nil, err
		}
		postcheck = string(data)
	}
	return limits, postcheck, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	limits, postcheck, err := missionArgs(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO missions(id,title,status,wip_limits_json,final_review_verdict,postcheck_json,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, nullable(m.Title), string(m.Status), limits, nullableStringPtr(m.FinalReviewVerdict), postcheck, m.CreatedAt, m.UpdatedAt, nullableStringPtr(m.CompletedAt))
	return err
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	limits, postcheck, err := missionArgs(m)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE missions SET title=?, status=?, wip_limits_json=?, final_review_verdict=?, postcheck_json=?, updated_at=?, completed_at=? WHERE id=?`,
		nullable(m.Title), string(m.Status), limits, nullableStringPtr(m.FinalReviewVerdict), postcheck, m.UpdatedAt, nullableStringPtr(m.CompletedAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context, status domain.MissionStatus) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MissionActive reports whether any mission is active.
func (r Repo) MissionActive(ctx context.Context) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM missions WHERE status=?`, string(domain.MissionActive)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
