package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"cropmind/internal/domain"
)

// Repo reads and writes the service tables. Writers accept a
// sqlx.ExtContext so they run on either the pool or an open transaction.
type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

func get(ctx context.Context, q sqlx.ExtContext, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q, dest, q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

func execOne(ctx context.Context, q sqlx.ExtContext, query string, args ...any) error {
	res, err := exec(ctx, q, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id,email,name,preferred_language,created_at,updated_at`

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.GetUserByEmailTx(ctx, r.DB, email)
}

func (r Repo) GetUserByEmailTx(ctx context.Context, q sqlx.ExtContext, email string) (domain.User, error) {
	var u domain.User
	err := get(ctx, q, &u, `SELECT `+userColumns+` FROM users WHERE email=?`, email)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := get(ctx, r.DB, &u, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, q sqlx.ExtContext, u domain.User) error {
	_, err := exec(ctx, q, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Email, u.Name, u.PreferredLanguage, u.CreatedAt, u.UpdatedAt)
	return err
}

// UpdateUser overwrites name and preferred language.
func (r Repo) UpdateUser(ctx context.Context, q sqlx.ExtContext, u domain.User) error {
	return execOne(ctx, q, `UPDATE users SET name=?, preferred_language=?, updated_at=? WHERE id=?`,
		u.Name, u.PreferredLanguage, u.UpdatedAt, u.ID)
}
