package postgres

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"bookcal/backend/internal/domain"
)

type PolicyRepo struct {
	db *bun.DB
}

func NewPolicyRepo(db *bun.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

func (r *PolicyRepo) GetPolicy(ctx context.Context, hostID string) (domain.WorkingHoursPolicy, error) {
	var settings domain.HostSettings
	err := r.db.NewSelect().Model(&settings).Where("host_id = ?", hostID).Limit(1).Scan(ctx)
	if err != nil {
		return domain.WorkingHoursPolicy{}, notFound(err)
	}

	var hours []domain.WorkingHours
	err = r.db.NewSelect().
		Model(&hours).
		Where("host_id = ?", hostID).
		OrderExpr("weekday ASC, open_time ASC").
		Scan(ctx)
	if err != nil {
		return domain.WorkingHoursPolicy{}, err
	}
	return domain.BuildPolicy(settings, hours)
}

// SavePolicy replaces the host's settings and working hours.
func (r *PolicyRepo) SavePolicy(ctx context.Context, settings domain.HostSettings, hours []domain.WorkingHours) error {
	if _, err := domain.BuildPolicy(settings, hours); err != nil {
		return err
	}
	settings.UpdatedAt = time.Now().UTC()

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&settings).
			On("CONFLICT (host_id) DO UPDATE").
			Set("time_zone = EXCLUDED.time_zone").
			Set("granularity_minutes = EXCLUDED.granularity_minutes").
			Set("min_lead_minutes = EXCLUDED.min_lead_minutes").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return err
		}

		_, err = tx.NewDelete().
			Model((*domain.WorkingHours)(nil)).
			Where("host_id = ?", settings.HostID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(hours) == 0 {
			return nil
		}

		rows := make([]domain.WorkingHours, 0, len(hours))
		for _, h := range hours {
			rows = append(rows, domain.WorkingHours{
				HostID:    settings.HostID,
				Weekday:   h.Weekday,
				OpenTime:  h.OpenTime,
				CloseTime: h.CloseTime,
			})
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}
