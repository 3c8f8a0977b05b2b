package repo

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"cropmind/internal/domain"
)

const alertColumns = `id,farm_id,type,message,severity,created_at`

// AlertCursor points at an alert in (created_at, id) order.
type AlertCursor struct {
	CreatedAt string
	ID        string
}

func (c AlertCursor) IsZero() bool {
	return c.CreatedAt == "" && c.ID == ""
}

func (r Repo) InsertAlert(ctx context.Context, q sqlx.ExtContext, a domain.Alert) error {
	_, err := exec(ctx, q, `INSERT INTO alerts(`+alertColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.FarmID, a.Type, a.Message, a.Severity, a.CreatedAt)
	return err
}

// ListAlerts returns a farm's alerts newest first. limit <= 0 means all.
func (r Repo) ListAlerts(ctx context.Context, farmID string, limit int) ([]domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE farm_id=? ORDER BY created_at DESC, id DESC`
	args := []any{farmID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	res := []domain.Alert{}
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// AlertsAfter returns alerts of every farm strictly after the cursor in
// ascending order.
func (r Repo) AlertsAfter(ctx context.Context, limit int, cursor AlertCursor) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if !cursor.IsZero() {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	var res []domain.Alert
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// LatestAlertCursor points at the newest alert, or is zero when none exist.
func (r Repo) LatestAlertCursor(ctx context.Context) (AlertCursor, error) {
	var a domain.Alert
	err := get(ctx, r.DB, &a, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err == ErrNotFound {
		return AlertCursor{}, nil
	}
	if err != nil {
		return AlertCursor{}, err
	}
	return AlertCursor{CreatedAt: a.CreatedAt, ID: a.ID}, nil
}

// LatestAlert returns the newest alert of one type for a farm.
func (r Repo) LatestAlert(ctx context.Context, q sqlx.ExtContext, farmID, alertType string) (domain.Alert, error) {
	var a domain.Alert
	err := get(ctx, q, &a, `SELECT `+alertColumns+` FROM alerts WHERE farm_id=? AND type=? ORDER BY created_at DESC, id DESC LIMIT 1`, farmID, alertType)
	return a, err
}
