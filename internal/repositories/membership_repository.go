package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// MembershipRepository answers chat membership questions against the
// relational chat_member table.
type MembershipRepository interface {
	IsMember(ctx context.Context, chatID int64, userID int64) (bool, error)
}

// MembershipRepo is a sqlx implementation of MembershipRepository.
type MembershipRepo struct {
	db *sqlx.DB
}

// NewMembershipRepo constructs a MembershipRepo.
func NewMembershipRepo(db *sqlx.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

// IsMember checks membership. A missing chat reports false.
func (r *MembershipRepo) IsMember(ctx context.Context, chatID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_member WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}
