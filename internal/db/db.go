package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chat-gateway/internal/config"
	"chat-gateway/internal/logger"
)

// Connect opens the relational store holding users and chat membership.
// With cfg.Bootstrap set it also creates the two tables the gateway reads.
func Connect(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if cfg.Bootstrap {
		if err := Bootstrap(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return db, nil
}

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS users_user (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(150) NOT NULL UNIQUE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE
        );`,
	`CREATE TABLE IF NOT EXISTS chat_member (
            id BIGSERIAL PRIMARY KEY,
            chat_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL REFERENCES users_user(id) ON DELETE CASCADE,
            UNIQUE(chat_id, user_id)
        );`,
}

// Bootstrap creates the membership schema for local and test setups. The
// tables are owned by another service in production.
func Bootstrap(db *sqlx.DB) error {
	for _, stmt := range bootstrapStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	l := logger.L()
	l.Info().Int("statements", len(bootstrapStatements)).Msg("membership schema ensured")
	return nil
}
