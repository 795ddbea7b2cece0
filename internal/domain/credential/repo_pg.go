package credential

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsync/syncd/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG returns the pgx-backed credential repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const credCols = `id, location_id, access_token, refresh_token, token_lifetime_secs,
	expires_at, scope, user_type, company_id, user_id, version, updated_at`

func (r *repoPG) Get(ctx context.Context) (*Credential, error) {
	var c Credential
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+credCols+` FROM crm_credential ORDER BY updated_at DESC LIMIT 1`,
	).Scan(
		&c.ID, &c.LocationID, &c.AccessToken, &c.RefreshToken, &c.TokenLifetimeSecs,
		&c.ExpiresAt, &c.Scope, &c.UserType, &c.CompanyID, &c.UserID, &c.Version, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Upsert(ctx context.Context, c *Credential) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO crm_credential (
			id, location_id, access_token, refresh_token, token_lifetime_secs,
			expires_at, scope, user_type, company_id, user_id, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		ON CONFLICT (location_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_lifetime_secs = EXCLUDED.token_lifetime_secs,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			user_type = EXCLUDED.user_type,
			company_id = EXCLUDED.company_id,
			user_id = EXCLUDED.user_id,
			version = crm_credential.version + 1,
			updated_at = NOW()
		RETURNING id, version`,
		c.ID, c.LocationID, c.AccessToken, c.RefreshToken, c.TokenLifetimeSecs,
		c.ExpiresAt, c.Scope, c.UserType, c.CompanyID, c.UserID,
	).Scan(&c.ID, &c.Version)
}

func (r *repoPG) ReplaceCAS(ctx context.Context, c *Credential) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE crm_credential SET
			access_token = $3, refresh_token = $4, token_lifetime_secs = $5,
			expires_at = $6, scope = $7, user_type = $8, company_id = $9,
			user_id = $10, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version,
		c.AccessToken, c.RefreshToken, c.TokenLifetimeSecs,
		c.ExpiresAt, c.Scope, c.UserType, c.CompanyID, c.UserID,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	c.Version++
	return true, nil
}
