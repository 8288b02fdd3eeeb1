package postgres

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store"
)

type ConnectionRepo struct {
	db *bun.DB
}

func NewConnectionRepo(db *bun.DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

func (r *ConnectionRepo) GetConnection(ctx context.Context, hostID string) (domain.CalendarConnection, error) {
	var c domain.CalendarConnection
	err := r.db.NewSelect().Model(&c).Where("host_id = ?", hostID).Limit(1).Scan(ctx)
	if err != nil {
		return domain.CalendarConnection{}, notFound(err)
	}
	return c, nil
}

func (r *ConnectionRepo) UpsertConnection(ctx context.Context, c domain.CalendarConnection) (domain.CalendarConnection, error) {
	c.TokenExpiry = c.TokenExpiry.UTC()
	_, err := r.db.NewInsert().
		Model(&c).
		On("CONFLICT (host_id) DO UPDATE").
		Set("provider = EXCLUDED.provider").
		Set("calendar_id = EXCLUDED.calendar_id").
		Set("account_email = EXCLUDED.account_email").
		Set("access_token_enc = EXCLUDED.access_token_enc").
		Set("refresh_token_enc = EXCLUDED.refresh_token_enc").
		Set("token_expiry = EXCLUDED.token_expiry").
		Set("sync_enabled = EXCLUDED.sync_enabled").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.CalendarConnection{}, err
	}
	return c, nil
}

func (r *ConnectionRepo) UpdateTokens(ctx context.Context, hostID string, u domain.TokenUpdate) error {
	res, err := r.db.NewUpdate().
		Model((*domain.CalendarConnection)(nil)).
		Set("access_token_enc = ?", u.AccessTokenEnc).
		Set("refresh_token_enc = ?", u.RefreshTokenEnc).
		Set("token_expiry = ?", u.TokenExpiry.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("host_id = ?", hostID).
		Exec(ctx)
	return affectedOrNotFound(res, err)
}

func (r *ConnectionRepo) DisableSync(ctx context.Context, hostID string) error {
	res, err := r.db.NewUpdate().
		Model((*domain.CalendarConnection)(nil)).
		Set("sync_enabled = ?", false).
		Set("updated_at = ?", time.Now().UTC()).
		Where("host_id = ?", hostID).
		Exec(ctx)
	return affectedOrNotFound(res, err)
}

func (r *ConnectionRepo) DeleteConnection(ctx context.Context, hostID string) error {
	_, err := r.db.NewDelete().
		Model((*domain.CalendarConnection)(nil)).
		Where("host_id = ?", hostID).
		Exec(ctx)
	return err
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func affectedOrNotFound(res rowsAffected, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
