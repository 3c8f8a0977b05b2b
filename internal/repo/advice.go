package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"cropmind/internal/domain"
)

func (r Repo) InsertAdvice(ctx context.Context, q sqlx.ExtContext, a domain.AdviceRecord) error {
	_, err := exec(ctx, q, `INSERT INTO advice_history(id,farm_id,recommendation,stage_at_time,weather_summary,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.FarmID, a.Recommendation, a.StageAtTime, a.WeatherSummary, a.CreatedAt)
	return err
}

// RecentAdvice returns the last limit recommendations of a farm, oldest first.
func (r Repo) RecentAdvice(ctx context.Context, farmID string, limit int) ([]domain.AdviceRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	var res []domain.AdviceRecord
	err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(`SELECT id,farm_id,recommendation,stage_at_time,weather_summary,created_at
FROM advice_history WHERE farm_id=? ORDER BY created_at DESC, id DESC LIMIT ?`), farmID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
