package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hezawei/rebirth-game/pkg/models"
)

// ErrSaveNotFound is returned when a save lookup by id (scoped to the
// caller's sessions) finds nothing.
var ErrSaveNotFound = errors.New("store: save not found")

// CreateSave inserts a new bookmark. Ownership of sessionID must already
// have been checked by the caller.
func (s *Store) CreateSave(ctx context.Context, sessionID, nodeID int64, title string, status models.SaveStatus) (*models.StorySave, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO story_saves (session_id, node_id, title, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, node_id, title, status, created_at, updated_at
	`, sessionID, nodeID, title, string(status))

	save := &models.StorySave{}
	var st string
	if err := row.Scan(&save.ID, &save.SessionID, &save.NodeID, &save.Title, &st, &save.CreatedAt, &save.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create save: %w", err)
	}
	save.Status = models.SaveStatus(st)
	return save, nil
}

// ListSavesForUser returns every save owned (via session) by userID, newest
// updated first, optionally filtered by status.
func (s *Store) ListSavesForUser(ctx context.Context, userID string, status *models.SaveStatus) ([]*models.StorySave, error) {
	query := `
		SELECT ss.id, ss.session_id, ss.node_id, ss.title, ss.status, ss.created_at, ss.updated_at
		FROM story_saves ss
		JOIN game_sessions gs ON gs.id = ss.session_id
		WHERE gs.user_id = $1
	`
	args := []any{userID}
	if status != nil {
		query += " AND ss.status = $2"
		args = append(args, string(*status))
	}
	query += " ORDER BY ss.updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	var out []*models.StorySave
	for rows.Next() {
		save := &models.StorySave{}
		var st string
		if err := rows.Scan(&save.ID, &save.SessionID, &save.NodeID, &save.Title, &st, &save.CreatedAt, &save.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan save: %w", err)
		}
		save.Status = models.SaveStatus(st)
		out = append(out, save)
	}
	return out, rows.Err()
}

// GetSaveForUser loads a save by id, verifying ownership via a join on the
// owning session's user_id.
func (s *Store) GetSaveForUser(ctx context.Context, userID string, saveID int64) (*models.StorySave, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ss.id, ss.session_id, ss.node_id, ss.title, ss.status, ss.created_at, ss.updated_at
		FROM story_saves ss
		JOIN game_sessions gs ON gs.id = ss.session_id
		WHERE ss.id = $1 AND gs.user_id = $2
	`, saveID, userID)

	save := &models.StorySave{}
	var st string
	if err := row.Scan(&save.ID, &save.SessionID, &save.NodeID, &save.Title, &st, &save.CreatedAt, &save.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSaveNotFound
		}
		return nil, fmt.Errorf("get save: %w", err)
	}
	save.Status = models.SaveStatus(st)
	return save, nil
}

// UpdateSave updates a save's title and/or status, then returns the fresh
// row. Ownership must already be checked via GetSaveForUser.
func (s *Store) UpdateSave(ctx context.Context, saveID int64, title string, status models.SaveStatus) (*models.StorySave, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE story_saves
		SET title = $2, status = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, session_id, node_id, title, status, created_at, updated_at
	`, saveID, title, string(status))

	save := &models.StorySave{}
	var st string
	if err := row.Scan(&save.ID, &save.SessionID, &save.NodeID, &save.Title, &st, &save.CreatedAt, &save.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSaveNotFound
		}
		return nil, fmt.Errorf("update save: %w", err)
	}
	save.Status = models.SaveStatus(st)
	return save, nil
}

// DeleteSave removes a save by id.
func (s *Store) DeleteSave(ctx context.Context, saveID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM story_saves WHERE id = $1`, saveID)
	if err != nil {
		return fmt.Errorf("delete save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete save: %w", err)
	}
	if n == 0 {
		return ErrSaveNotFound
	}
	return nil
}
