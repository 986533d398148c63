package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"canvas-cms/internal/domain"
)

type SessionRepository struct {
	db                     *sql.DB
	createStmt             *sql.Stmt
	getByTokenStmt         *sql.Stmt
	getByIDStmt            *sql.Stmt
	updateTokenStmt        *sql.Stmt
	updateLastActivityStmt *sql.Stmt
	deleteByTokenStmt      *sql.Stmt
	deleteByIDStmt         *sql.Stmt
	deleteAllExceptStmt    *sql.Stmt
	deleteExpiredStmt      *sql.Stmt
}

// NewSessionRepository creates a new SessionRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewSessionRepository(db *sql.DB) (*SessionRepository, error) {
	repo := &SessionRepository{db: db}

	var err error
	repo.createStmt, err = db.Prepare(`
		INSERT INTO sessions (user_id, token, expires_at, last_activity_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare create statement: %w", err)
	}

	repo.getByTokenStmt, err = db.Prepare(`
		SELECT id, user_id, token, expires_at, created_at, last_activity_at, ip_address, user_agent
		FROM sessions
		WHERE token = $1 AND expires_at > $2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByToken statement: %w", err)
	}

	repo.getByIDStmt, err = db.Prepare(`
		SELECT id, user_id, token, expires_at, created_at, last_activity_at, ip_address, user_agent
		FROM sessions
		WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByID statement: %w", err)
	}

	repo.updateTokenStmt, err = db.Prepare(`
		UPDATE sessions SET token = $2, expires_at = $3, last_activity_at = $4 WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare updateToken statement: %w", err)
	}

	repo.updateLastActivityStmt, err = db.Prepare(`
		UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2) WHERE token = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare updateLastActivity statement: %w", err)
	}

	repo.deleteByTokenStmt, err = db.Prepare(`DELETE FROM sessions WHERE token = $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteByToken statement: %w", err)
	}

	repo.deleteByIDStmt, err = db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteByID statement: %w", err)
	}

	repo.deleteAllExceptStmt, err = db.Prepare(`
		DELETE FROM sessions WHERE user_id = $1 AND token <> $2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteAllExcept statement: %w", err)
	}

	repo.deleteExpiredStmt, err = db.Prepare(`DELETE FROM sessions WHERE expires_at <= $1`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteExpired statement: %w", err)
	}

	return repo, nil
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	err := r.createStmt.QueryRowContext(ctx,
		session.UserID,
		session.Token,
		session.ExpiresAt,
		session.LastActivityAt,
		session.IPAddress,
		session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)

	if err != nil {
		if IsForeignKeyViolation(err) {
			return domain.ErrUserNotFound
		}
		// Exactly one live record may exist per issued token.
		if IsUniqueViolation(err, "sessions_token_key") {
			return fmt.Errorf("duplicate session token: %w", err)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	session := &domain.Session{}
	err := r.getByTokenStmt.QueryRowContext(ctx, token, time.Now()).Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	session := &domain.Session{}
	err := r.getByIDStmt.QueryRowContext(ctx, id).Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&session.ExpiresAt,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.IPAddress,
		&session.UserAgent,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by id: %w", err)
	}
	return session, nil
}

// UpdateToken overwrites a session's token and expiry in place. The row id
// survives renewal; a renewed session is the same session.
func (r *SessionRepository) UpdateToken(ctx context.Context, id, newToken string, newExpiresAt time.Time) error {
	result, err := r.updateTokenStmt.ExecContext(ctx, id, newToken, newExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// UpdateLastActivity bumps last_activity_at. GREATEST keeps the column
// monotonic when concurrent validations race.
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, token string) error {
	_, err := r.updateLastActivityStmt.ExecContext(ctx, token, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.deleteByTokenStmt.ExecContext(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.deleteByIDStmt.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete session by id: %w", err)
	}
	return nil
}

// DeleteAllExcept removes every session of the user except the one holding
// keepToken. Returns the number of sessions removed.
func (r *SessionRepository) DeleteAllExcept(ctx context.Context, userID, keepToken string) (int64, error) {
	result, err := r.deleteAllExceptStmt.ExecContext(ctx, userID, keepToken)
	if err != nil {
		return 0, fmt.Errorf("failed to delete other sessions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.deleteExpiredStmt.ExecContext(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}
