// Package rooms holds the durable room record stores.
package rooms

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/Podcast/internal/core"
	"github.com/dkeye/Podcast/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore reads room records written by the approval workflow.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ core.RoomStore = (*PostgresStore)(nil)

// NewPostgresPool creates a pgx connection pool for PostgreSQL.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Str("module", "rooms").Msg("PostgreSQL connection pool established")
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate runs embedded SQL migrations in name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err = s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	const q = `SELECT room_id, title, host_id, status, approved, created_at
		FROM podcast_rooms WHERE room_id = $1`
	var (
		r              domain.Room
		roomID, status string
	)
	err := s.pool.QueryRow(ctx, q, string(id)).Scan(&roomID, &r.Title, &r.HostID, &status, &r.Approved, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	r.ID = domain.RoomID(roomID)
	r.Status = domain.RoomStatus(status)
	return &r, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, r *domain.Room) error {
	const q = `INSERT INTO podcast_rooms (room_id, title, host_id, status, approved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, string(r.ID), r.Title, r.HostID, string(r.Status), r.Approved, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create room %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus) error {
	const q = `UPDATE podcast_rooms SET status = $1, updated_at = NOW() WHERE room_id = $2`
	tag, err := s.pool.Exec(ctx, q, string(status), string(id))
	if err != nil {
		return fmt.Errorf("set room %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
