package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trellisauth/trellis/internal/shared"
)

// Repository defines persistence operations for service tokens.
type Repository interface {
	FindToken(ctx context.Context, id int64) (ServiceToken, error)
	InsertToken(ctx context.Context, tok ServiceToken) (int64, error)
	TouchToken(ctx context.Context, id int64) error
	DeactivateToken(ctx context.Context, id int64) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// FindToken fetches a token row by id.
func (r *PGRepository) FindToken(ctx context.Context, id int64) (ServiceToken, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, user_id, token_hash, flags, groups, active, created_at, last_used_at
		FROM auth_tokens
		WHERE id = $1`, id)
	var (
		tok      ServiceToken
		lastUsed *time.Time
	)
	err := row.Scan(&tok.ID, &tok.Name, &tok.UserID, &tok.TokenHash, &tok.Flags, &tok.Groups, &tok.Active, &tok.CreatedAt, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServiceToken{}, shared.ErrNotFound
	}
	if err != nil {
		return ServiceToken{}, err
	}
	if lastUsed != nil {
		tok.LastUsedAt = *lastUsed
	}
	return tok, nil
}

// InsertToken persists a new token and returns its id.
func (r *PGRepository) InsertToken(ctx context.Context, tok ServiceToken) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO auth_tokens (name, user_id, token_hash, flags, groups, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id`,
		tok.Name, tok.UserID, tok.TokenHash, tok.Flags, tok.Groups, tok.Active).Scan(&id)
	return id, err
}

// TouchToken records usage time.
func (r *PGRepository) TouchToken(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE auth_tokens SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// DeactivateToken marks the token revoked.
func (r *PGRepository) DeactivateToken(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE auth_tokens SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
