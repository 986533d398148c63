package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"canvas-cms/internal/domain"
)

type CSRFRepository struct {
	db                  *sql.DB
	insertStmt          *sql.Stmt
	mostRecentStmt      *sql.Stmt
	deleteByIDStmt      *sql.Stmt
	deleteBySessionStmt *sql.Stmt
	deleteStaleStmt     *sql.Stmt
}

// NewCSRFRepository creates a new CSRFRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewCSRFRepository(db *sql.DB) (*CSRFRepository, error) {
	repo := &CSRFRepository{db: db}

	var err error
	repo.insertStmt, err = db.Prepare(`
		INSERT INTO csrf_tokens (id, session_id, token, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	repo.mostRecentStmt, err = db.Prepare(`
		SELECT id, session_id, token, created_at
		FROM csrf_tokens
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare mostRecent statement: %w", err)
	}

	repo.deleteByIDStmt, err = db.Prepare(`DELETE FROM csrf_tokens WHERE id = $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteByID statement: %w", err)
	}

	repo.deleteBySessionStmt, err = db.Prepare(`DELETE FROM csrf_tokens WHERE session_id = $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteBySession statement: %w", err)
	}

	repo.deleteStaleStmt, err = db.Prepare(`DELETE FROM csrf_tokens WHERE created_at <= $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteStale statement: %w", err)
	}

	return repo, nil
}

func (r *CSRFRepository) Insert(ctx context.Context, token *domain.CSRFToken) error {
	_, err := r.insertStmt.ExecContext(ctx,
		token.ID,
		token.SessionID,
		token.Token,
		token.CreatedAt,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			// Session row is gone; no CSRF token can be bound to it.
			return domain.ErrSessionNotFound
		}
		return fmt.Errorf("failed to insert csrf token: %w", err)
	}
	return nil
}

// MostRecent returns the newest token row for a session. Validation only
// ever considers this row; older unused rows are dead weight for DeleteStale.
func (r *CSRFRepository) MostRecent(ctx context.Context, sessionID string) (*domain.CSRFToken, error) {
	token := &domain.CSRFToken{}
	err := r.mostRecentStmt.QueryRowContext(ctx, sessionID).Scan(
		&token.ID,
		&token.SessionID,
		&token.Token,
		&token.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCSRFTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get csrf token: %w", err)
	}
	return token, nil
}

func (r *CSRFRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.deleteByIDStmt.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete csrf token: %w", err)
	}
	return nil
}

func (r *CSRFRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.deleteBySessionStmt.ExecContext(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete csrf tokens for session: %w", err)
	}
	return nil
}

// DeleteStale removes rows older than the given age, regardless of use.
func (r *CSRFRepository) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.deleteStaleStmt.ExecContext(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale csrf tokens: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}
