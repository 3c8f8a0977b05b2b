package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"cropmind/internal/domain"
)

const farmColumns = `id,user_id,crop_type,sowing_date,state,district,village,latitude,longitude,created_at,updated_at`

func (r Repo) GetFarmByUser(ctx context.Context, userID string) (domain.FarmProfile, error) {
	return r.GetFarmByUserTx(ctx, r.DB, userID)
}

func (r Repo) GetFarmByUserTx(ctx context.Context, q sqlx.ExtContext, userID string) (domain.FarmProfile, error) {
	var f domain.FarmProfile
	err := get(ctx, q, &f, `SELECT `+farmColumns+` FROM farm_profiles WHERE user_id=?`, userID)
	return f, err
}

// ReplaceFarm removes any existing farm of the user, cascading its state,
// advice and alerts, then inserts f.
func (r Repo) ReplaceFarm(ctx context.Context, q sqlx.ExtContext, f domain.FarmProfile) error {
	if _, err := exec(ctx, q, `DELETE FROM farm_profiles WHERE user_id=?`, f.UserID); err != nil {
		return err
	}
	_, err := exec(ctx, q, `INSERT INTO farm_profiles(`+farmColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.UserID, f.CropType, f.SowingDate, f.State, f.District, f.Village, f.Latitude, f.Longitude, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) UpdateFarmLocation(ctx context.Context, q sqlx.ExtContext, f domain.FarmProfile) error {
	return execOne(ctx, q, `UPDATE farm_profiles SET state=?, district=?, village=?, updated_at=? WHERE id=?`,
		f.State, f.District, f.Village, f.UpdatedAt, f.ID)
}

func (r Repo) GetFarmState(ctx context.Context, farmID string) (domain.FarmState, error) {
	return r.GetFarmStateTx(ctx, r.DB, farmID)
}

// GetFarmStateTx reads the state inside q, typically an open transaction.
func (r Repo) GetFarmStateTx(ctx context.Context, q sqlx.ExtContext, farmID string) (domain.FarmState, error) {
	var s domain.FarmState
	err := get(ctx, q, &s, `SELECT farm_id,current_stage,day_count,last_action,updated_at FROM farm_states WHERE farm_id=?`, farmID)
	return s, err
}

func (r Repo) UpsertFarmState(ctx context.Context, q sqlx.ExtContext, s domain.FarmState) error {
	_, err := exec(ctx, q, `INSERT INTO farm_states(farm_id,current_stage,day_count,last_action,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(farm_id) DO UPDATE SET current_stage=excluded.current_stage, day_count=excluded.day_count,
last_action=excluded.last_action, updated_at=excluded.updated_at`,
		s.FarmID, s.CurrentStage, s.DayCount, s.LastAction, s.UpdatedAt)
	return err
}
