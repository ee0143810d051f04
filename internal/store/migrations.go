package store

import (
	"context"
	"fmt"
	"time"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations
// New migrations should be appended to the end with incrementing version numbers
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			can_buy BOOLEAN NOT NULL DEFAULT 0,
			can_sell BOOLEAN NOT NULL DEFAULT 0,
			is_committee BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			is_buy BOOLEAN NOT NULL,
			closed_by_user_id TEXT REFERENCES users(id),
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS securities (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			market_price TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			end_time INTEGER NOT NULL,
			is_concluded BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buy_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			security_id TEXT NOT NULL REFERENCES securities(id) ON DELETE CASCADE,
			number_of_shares TEXT NOT NULL,
			price TEXT NOT NULL,
			round_id TEXT REFERENCES rounds(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sell_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			security_id TEXT NOT NULL REFERENCES securities(id) ON DELETE CASCADE,
			number_of_shares TEXT NOT NULL,
			price TEXT NOT NULL,
			round_id TEXT REFERENCES rounds(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			round_id TEXT NOT NULL REFERENCES rounds(id),
			buy_order_id TEXT NOT NULL REFERENCES buy_orders(id),
			sell_order_id TEXT NOT NULL REFERENCES sell_orders(id),
			number_of_shares TEXT,
			price TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_rooms (
			id TEXT PRIMARY KEY,
			match_id TEXT NOT NULL REFERENCES matches(id),
			friendly_name TEXT NOT NULL,
			is_deal_closed BOOLEAN NOT NULL DEFAULT 0,
			disband_by_user_id TEXT REFERENCES users(id),
			disband_time INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_chat_room_associations (
			user_id TEXT NOT NULL REFERENCES users(id),
			chat_room_id TEXT NOT NULL REFERENCES chat_rooms(id),
			role TEXT NOT NULL CHECK (role IN ('BUYER', 'SELLER')),
			is_revealed BOOLEAN NOT NULL DEFAULT 0,
			is_archived BOOLEAN NOT NULL DEFAULT 0,
			last_read_id TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, chat_room_id)
		);

		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			chat_room_id TEXT NOT NULL REFERENCES chat_rooms(id),
			author_id TEXT NOT NULL REFERENCES users(id),
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			chat_room_id TEXT NOT NULL REFERENCES chat_rooms(id),
			author_id TEXT NOT NULL REFERENCES users(id),
			price TEXT NOT NULL,
			number_of_shares TEXT NOT NULL,
			offer_status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (offer_status IN ('PENDING', 'ACCEPTED', 'REJECTED', 'CANCELED')),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS offer_responses (
			id TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL UNIQUE REFERENCES offers(id),
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS banned_pairs (
			user_a TEXT NOT NULL REFERENCES users(id),
			user_b TEXT NOT NULL REFERENCES users(id),
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_a, user_b),
			CHECK (user_a < user_b)
		);

		CREATE INDEX IF NOT EXISTS idx_buy_orders_round ON buy_orders(round_id);
		CREATE INDEX IF NOT EXISTS idx_buy_orders_user ON buy_orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_sell_orders_round ON sell_orders(round_id);
		CREATE INDEX IF NOT EXISTS idx_sell_orders_user ON sell_orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_rounds_open ON rounds(is_concluded, end_time);
		CREATE INDEX IF NOT EXISTS idx_assoc_room ON user_chat_room_associations(chat_room_id);
		CREATE INDEX IF NOT EXISTS idx_chats_room ON chats(chat_room_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_offers_room ON offers(chat_room_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "Durable round jobs",
		SQL: `
		CREATE TABLE IF NOT EXISTS round_jobs (
			id TEXT PRIMARY KEY,
			round_id TEXT NOT NULL REFERENCES rounds(id),
			kind TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			done_at INTEGER,
			UNIQUE(round_id, kind)
		);

		CREATE INDEX IF NOT EXISTS idx_round_jobs_due ON round_jobs(done_at, run_at);
		`,
	},
	{
		Version:     3,
		Description: "One pending offer per chat room",
		SQL: `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_one_pending
			ON offers(chat_room_id) WHERE offer_status = 'PENDING';
		`,
	},
	{
		Version:     4,
		Description: "Revoked bearer tokens",
		SQL: `
		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens(expires_at);
		`,
	},
}

const schemaMigrationsDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`

// appliedVersions returns the set of migration versions already recorded
func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	if _, err := s.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("failed to init migrations table: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every migration not yet recorded, each in its own transaction
func (s *Store) Migrate(ctx context.Context) error {
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := s.InTx(ctx, func(q *Queries) error {
			if _, err := q.db.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := q.db.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Description, toNanos(time.Now()),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// MigrationStatus returns applied and pending migration versions in order
func (s *Store) MigrationStatus(ctx context.Context) (applied, pending []int, err error) {
	done, err := s.appliedVersions(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range migrations {
		if done[m.Version] {
			applied = append(applied, m.Version)
		} else {
			pending = append(pending, m.Version)
		}
	}
	return applied, pending, nil
}
