package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// UserRepository resolves token subjects against the users table.
type UserRepository interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// UserRepo is a sqlx-backed UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// UserExists reports whether an active user with the id exists.
func (r *UserRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users_user WHERE id=$1 AND is_active = TRUE)`, userID)
	return exists, err
}
