// Package store implements the branching story tree persistence layer:
// sessions, nodes (confirmed and speculative), saves, and the wish
// moderation log. ListSessions is built with entgo.io/ent/dialect/sql;
// everything else, including ListSavesForUser's optional status filter, is
// plain parameterized SQL over database/sql, following the teacher's pkg/database connection
// discipline (one pooled *sql.DB, scoped transactions for short writes).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hezawei/rebirth-game/pkg/models"
)

// uniqueViolationCode is PostgreSQL's SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// ErrUniqueViolation is returned by CreateNode when a
// concurrent writer won the race; callers are expected to read the
// existing row and continue rather than treat this as a failure.
var ErrUniqueViolation = errors.New("store: unique constraint violation")

// ErrNodeNotFound is returned when a node lookup by id finds nothing.
var ErrNodeNotFound = errors.New("store: node not found")

// ErrSessionNotFound is returned when a session lookup by id finds nothing.
var ErrSessionNotFound = errors.New("store: session not found")

// Querier is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run either standalone or inside a caller-managed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the minimal connection-pool surface the store depends on.
type DB interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store is the branching story tree repository.
type Store struct {
	db DB
}

// New builds a Store over a connection pool.
func New(db DB) *Store {
	return &Store{db: db}
}

// BeginTx starts a transaction for callers that need the short
// lock-and-check-and-insert pattern used by the continue-story path.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// resolveQuerier lets callers outside a transaction pass a nil Querier to
// mean "run directly against the pool" instead of requiring every caller
// to reach for the pool handle themselves.
func (s *Store) resolveQuerier(q Querier) Querier {
	if q == nil {
		return s.db
	}
	return q
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// CreateSession returns the (user_id, wish) session, creating it if absent.
// Concurrent callers racing on the same pair converge on the same row: the
// loser's insert hits uq_game_sessions_user_wish and its ON CONFLICT ... DO
// UPDATE clause returns the existing row from the same statement.
func (s *Store) CreateSession(ctx context.Context, userID, wish string) (*models.GameSession, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO game_sessions (user_id, wish) VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT uq_game_sessions_user_wish DO UPDATE SET wish = EXCLUDED.wish
		RETURNING id, user_id, wish, created_at
	`, userID, wish)

	sess := &models.GameSession{}
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.GameSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, wish, created_at FROM game_sessions WHERE id = $1`, id)
	sess := &models.GameSession{}
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session owned by user, newest first. Built
// with the dialect/sql statement builder since this is the one query in
// the store whose shape (always the same, but worth keeping consistent
// with the rest of the dynamic chronicle queries) benefits from it.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*models.GameSession, error) {
	builder := entsql.Dialect("postgres").
		Select("id", "user_id", "wish", "created_at").
		From(entsql.Table("game_sessions")).
		Where(entsql.EQ("user_id", userID)).
		OrderBy(entsql.Desc("id"))

	query, args := builder.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.GameSession
	for rows.Next() {
		sess := &models.GameSession{}
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Wish, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CreateNodeParams is the input to CreateNode.
type CreateNodeParams struct {
	SessionID        int64
	ParentID         *int64
	UserChoice       *string
	StoryText        string
	Choices          []models.ChoiceDisplay
	Metadata         models.NodeMetadata
	ImageURL         string
	Speculative      bool
	SpeculativeDepth *int
}

// CreateNode inserts a node under the (session, parent, choice) uniqueness
// constraint. On collision it returns ErrUniqueViolation; the caller is
// expected to call GetChildByParentAndChoice and proceed with that row.
func (s *Store) CreateNode(ctx context.Context, q Querier, p CreateNodeParams) (*models.StoryNode, error) {
	q = s.resolveQuerier(q)
	if p.ParentID != nil {
		parent, err := s.getNodeWith(ctx, q, *p.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.SessionID != p.SessionID {
			return nil, fmt.Errorf("create node: parent %d does not belong to session %d", *p.ParentID, p.SessionID)
		}
	}

	choicesJSON, err := json.Marshal(p.Choices)
	if err != nil {
		return nil, fmt.Errorf("marshal choices: %w", err)
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO story_nodes
			(session_id, parent_id, user_choice, story_text, choices, metadata,
			 image_url, is_speculative, speculative_depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, p.SessionID, p.ParentID, p.UserChoice, p.StoryText, string(choicesJSON), string(metadataJSON),
		p.ImageURL, p.Speculative, p.SpeculativeDepth)

	node := &models.StoryNode{
		SessionID:        p.SessionID,
		ParentID:         p.ParentID,
		UserChoice:       p.UserChoice,
		StoryText:        p.StoryText,
		Choices:          p.Choices,
		Metadata:         p.Metadata,
		ImageURL:         p.ImageURL,
		IsSpeculative:    p.Speculative,
		SpeculativeDepth: p.SpeculativeDepth,
	}
	if err := row.Scan(&node.ID, &node.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUniqueViolation
		}
		return nil, fmt.Errorf("create node: %w", err)
	}
	return node, nil
}

// GetChildByParentAndChoice returns the latest child (by id) of parent for
// the given choice, regardless of speculative state, or nil if absent.
func (s *Store) GetChildByParentAndChoice(ctx context.Context, q Querier, sessionID, parentID int64, choice string) (*models.StoryNode, error) {
	q = s.resolveQuerier(q)
	row := q.QueryRowContext(ctx, `
		SELECT id, session_id, parent_id, user_choice, story_text, choices, metadata,
		       image_url, is_speculative, speculative_depth, speculative_expires_at,
		       success_rate, created_at
		FROM story_nodes
		WHERE session_id = $1 AND parent_id = $2 AND user_choice = $3
		ORDER BY id DESC
		LIMIT 1
	`, sessionID, parentID, choice)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return node, err
}

// GetNode loads a node by id.
func (s *Store) GetNode(ctx context.Context, id int64) (*models.StoryNode, error) {
	return s.getNodeWith(ctx, s.db, id)
}

func (s *Store) getNodeWith(ctx context.Context, q Querier, id int64) (*models.StoryNode, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, session_id, parent_id, user_choice, story_text, choices, metadata,
		       image_url, is_speculative, speculative_depth, speculative_expires_at,
		       success_rate, created_at
		FROM story_nodes WHERE id = $1
	`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// LockNodeForUpdate acquires a row lock on the node for the duration of the
// enclosing transaction. tx MUST be a *sql.Tx begun via BeginTx.
func (s *Store) LockNodeForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.StoryNode, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, parent_id, user_choice, story_text, choices, metadata,
		       image_url, is_speculative, speculative_depth, speculative_expires_at,
		       success_rate, created_at
		FROM story_nodes WHERE id = $1 FOR UPDATE
	`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// FinalizeSpeculative clears the speculative markers on a node. Idempotent:
// re-applying to an already-confirmed node is a no-op UPDATE.
func (s *Store) FinalizeSpeculative(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE story_nodes
		SET is_speculative = false, speculative_depth = NULL, speculative_expires_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("finalize speculative: %w", err)
	}
	return nil
}

// GetSessionHistory returns confirmed nodes only, ascending by id. Used to
// rebuild the conversation path and to render a session's chronicle
// (speculative nodes are spoilers and must never appear here).
func (s *Store) GetSessionHistory(ctx context.Context, sessionID int64) ([]*models.StoryNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, parent_id, user_choice, story_text, choices, metadata,
		       image_url, is_speculative, speculative_depth, speculative_expires_at,
		       success_rate, created_at
		FROM story_nodes
		WHERE session_id = $1 AND is_speculative = false
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session history: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetDeepestNodeForUser finds the user's session with the most nodes (ties
// broken by largest session id) and returns its highest-id node.
func (s *Store) GetDeepestNodeForUser(ctx context.Context, userID string) (*models.StoryNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT gs.id
		FROM game_sessions gs
		JOIN story_nodes sn ON sn.session_id = gs.id
		WHERE gs.user_id = $1
		GROUP BY gs.id
		ORDER BY count(sn.id) DESC, gs.id DESC
		LIMIT 1
	`, userID)

	var sessionID int64
	if err := row.Scan(&sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("find deepest session: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT id, session_id, parent_id, user_choice, story_text, choices, metadata,
		       image_url, is_speculative, speculative_depth, speculative_expires_at,
		       success_rate, created_at
		FROM story_nodes WHERE session_id = $1 ORDER BY id DESC LIMIT 1
	`, sessionID)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// CalculateChapterNumber walks parent pointers to the root and returns the
// 1-based depth. Guards against cycles with a visited set and a hard cap,
// even though the schema's invariants should make a cycle impossible.
func (s *Store) CalculateChapterNumber(ctx context.Context, nodeID int64) (int, error) {
	const maxWalk = 10_000
	visited := make(map[int64]bool, 64)
	depth := 1
	current := nodeID

	for i := 0; i < maxWalk; i++ {
		if visited[current] {
			return 0, fmt.Errorf("calculate chapter number: cycle detected at node %d", current)
		}
		visited[current] = true

		var parentID sql.NullInt64
		row := s.db.QueryRowContext(ctx, `SELECT parent_id FROM story_nodes WHERE id = $1`, current)
		if err := row.Scan(&parentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrNodeNotFound
			}
			return 0, fmt.Errorf("calculate chapter number: %w", err)
		}
		if !parentID.Valid {
			return depth, nil
		}
		current = parentID.Int64
		depth++
	}
	return 0, fmt.Errorf("calculate chapter number: exceeded walk limit for node %d", nodeID)
}

// PruneAfterNode demotes every transitive descendant of node to speculative
// (clearing speculative_expires_at, setting speculative_depth to
// max(0, maxDepth-1), or NULL if that computes to 0), leaving node count
// unchanged and node itself untouched.
func (s *Store) PruneAfterNode(ctx context.Context, nodeID int64, maxDepth int) (*models.StoryNode, error) {
	budget := maxDepth - 1
	if budget < 0 {
		budget = 0
	}

	var depthArg any
	if budget == 0 {
		depthArg = nil
	} else {
		depthArg = budget
	}

	_, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM story_nodes WHERE parent_id = $1
			UNION ALL
			SELECT sn.id FROM story_nodes sn JOIN descendants d ON sn.parent_id = d.id
		)
		UPDATE story_nodes
		SET is_speculative = true, speculative_depth = $2, speculative_expires_at = NULL
		WHERE id IN (SELECT id FROM descendants)
	`, nodeID, depthArg)
	if err != nil {
		return nil, fmt.Errorf("prune after node: %w", err)
	}
	return s.GetNode(ctx, nodeID)
}

func scanNode(row *sql.Row) (*models.StoryNode, error) {
	var (
		node          models.StoryNode
		choicesJSON   string
		metadataJSON  string
		specExpiresAt sql.NullTime
		successRate   sql.NullInt64
		specDepth     sql.NullInt64
	)
	err := row.Scan(
		&node.ID, &node.SessionID, &node.ParentID, &node.UserChoice, &node.StoryText,
		&choicesJSON, &metadataJSON, &node.ImageURL, &node.IsSpeculative,
		&specDepth, &specExpiresAt, &successRate, &node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return finishNode(&node, choicesJSON, metadataJSON, specDepth, specExpiresAt, successRate)
}

func scanNodes(rows *sql.Rows) ([]*models.StoryNode, error) {
	var out []*models.StoryNode
	for rows.Next() {
		var (
			node          models.StoryNode
			choicesJSON   string
			metadataJSON  string
			specExpiresAt sql.NullTime
			successRate   sql.NullInt64
			specDepth     sql.NullInt64
		)
		err := rows.Scan(
			&node.ID, &node.SessionID, &node.ParentID, &node.UserChoice, &node.StoryText,
			&choicesJSON, &metadataJSON, &node.ImageURL, &node.IsSpeculative,
			&specDepth, &specExpiresAt, &successRate, &node.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n, err := finishNode(&node, choicesJSON, metadataJSON, specDepth, specExpiresAt, successRate)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func finishNode(node *models.StoryNode, choicesJSON, metadataJSON string, specDepth sql.NullInt64, specExpiresAt sql.NullTime, successRate sql.NullInt64) (*models.StoryNode, error) {
	if err := json.Unmarshal([]byte(choicesJSON), &node.Choices); err != nil {
		return nil, fmt.Errorf("unmarshal choices: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &node.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if specDepth.Valid {
		d := int(specDepth.Int64)
		node.SpeculativeDepth = &d
	}
	if specExpiresAt.Valid {
		t := specExpiresAt.Time
		node.SpeculativeExpiresAt = &t
	}
	if successRate.Valid {
		v := int(successRate.Int64)
		node.SuccessRate = &v
	}
	return node, nil
}
