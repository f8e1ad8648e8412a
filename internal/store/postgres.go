package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeduel/internal/record"
)

//go:embed postgres_schema.sql
var postgresSchema string

// PostgresStore implements the same persistence as Store on PostgreSQL.
// Money in user_stats is NUMERIC; match documents are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ record.Repository = (*PostgresStore)(nil)

// NewPostgres connects to databaseURL and ensures the schema exists
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Println("[Store] PostgreSQL connected")
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, username, password string) (*User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) AuthenticateUser(ctx context.Context, username, password string) (*User, error) {
	user, err := s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, err
	}
	if err := checkPassword(user, password); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// --- Matches ---

const pgMatchColumns = `id, status, COALESCE(join_code, ''), solo, player1::TEXT, player2::TEXT,
	scenario::TEXT, winner, notes, version, created_at, updated_at`

func scanPGMatch(row pgx.Row) (*record.Match, error) {
	var (
		m      record.Match
		status string
		p1, sc string
		p2     *string
	)
	err := row.Scan(&m.ID, &status, &m.JoinCode, &m.Solo, &p1, &p2, &sc,
		&m.Winner, &m.Notes, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, record.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = record.Status(status)

	doc := matchDoc{player1: p1, scenario: sc}
	if p2 != nil {
		doc.player2.String, doc.player2.Valid = *p2, true
	}
	if err := decodeMatch(&m, doc); err != nil {
		return nil, err
	}
	return &m, nil
}

func pgNullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateMatch(ctx context.Context, m *record.Match) error {
	doc, err := encodeMatch(m)
	if err != nil {
		return err
	}
	var p2, p2ID *string
	if doc.player2.Valid {
		p2 = &doc.player2.String
		p2ID = &m.Player2.UserID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO matches (id, status, join_code, solo, player1_id, player2_id, player1, player2,
			scenario, winner, notes, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9::JSONB, $10, $11, 1, $12, $13)`,
		m.ID, string(m.Status), pgNullable(m.JoinCode), m.Solo, m.Player1.UserID, p2ID, doc.player1, p2,
		doc.scenario, m.Winner, m.Notes, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return record.ErrJoinCodeTaken
		}
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	m.Version = 1
	return nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*record.Match, error) {
	return scanPGMatch(s.pool.QueryRow(ctx,
		`SELECT `+pgMatchColumns+` FROM matches WHERE id = $1`, id))
}

func (s *PostgresStore) FindWaitingByCode(ctx context.Context, code string) (*record.Match, error) {
	return scanPGMatch(s.pool.QueryRow(ctx,
		`SELECT `+pgMatchColumns+` FROM matches WHERE join_code = $1 AND status = 'WAITING'`, code))
}

// pgExecer is satisfied by both the pool and a transaction
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgUpdateMatch(ctx context.Context, db pgExecer, m *record.Match) error {
	doc, err := encodeMatch(m)
	if err != nil {
		return err
	}
	var p2, p2ID *string
	if doc.player2.Valid {
		p2 = &doc.player2.String
		p2ID = &m.Player2.UserID
	}

	tag, err := db.Exec(ctx,
		`UPDATE matches
		 SET status = $1, join_code = $2, solo = $3, player2_id = $4, player1 = $5::JSONB,
		     player2 = $6::JSONB, winner = $7, notes = $8, version = version + 1, updated_at = $9
		 WHERE id = $10 AND version = $11`,
		string(m.Status), pgNullable(m.JoinCode), m.Solo, p2ID, doc.player1, p2,
		m.Winner, m.Notes, m.UpdatedAt, m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("update match %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM matches WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return record.ErrMatchNotFound
		}
		return record.ErrVersionConflict
	}
	m.Version++
	return nil
}

func (s *PostgresStore) SaveMatch(ctx context.Context, m *record.Match) error {
	return pgUpdateMatch(ctx, s.pool, m)
}

func (s *PostgresStore) CompleteMatch(ctx context.Context, m *record.Match, deltas []record.StatsDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM matches WHERE id = $1 FOR UPDATE`, m.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.ErrMatchNotFound
	}
	if err != nil {
		return err
	}
	if record.Status(status) == record.StatusCompleted {
		return record.ErrVersionConflict
	}

	version := m.Version
	if err := pgUpdateMatch(ctx, tx, m); err != nil {
		return err
	}
	for _, d := range deltas {
		if err := pgApplyStats(ctx, tx, d); err != nil {
			m.Version = version
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		m.Version = version
		return err
	}
	return nil
}

const pgStatsColumns = `user_id, username, total_matches, wins, losses, total_pnl::TEXT, avg_pnl::TEXT,
	best_pnl::TEXT, worst_pnl::TEXT, updated_at`

func scanPGStats(row pgx.Row) (*record.UserStats, error) {
	var (
		st                      record.UserStats
		total, avg, best, worst string
	)
	if err := row.Scan(&st.UserID, &st.Username, &st.TotalMatches, &st.Wins, &st.Losses,
		&total, &avg, &best, &worst, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseAmounts([]string{total, avg, best, worst},
		&st.TotalPnL, &st.AvgPnL, &st.BestPnL, &st.WorstPnL); err != nil {
		return nil, fmt.Errorf("stats for %s: %w", st.UserID, err)
	}
	return &st, nil
}

func pgApplyStats(ctx context.Context, tx pgx.Tx, d record.StatsDelta) error {
	stats, err := scanPGStats(tx.QueryRow(ctx,
		`SELECT `+pgStatsColumns+` FROM user_stats WHERE user_id = $1 FOR UPDATE`, d.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		stats = &record.UserStats{UserID: d.UserID}
	} else if err != nil {
		return err
	}

	stats.Apply(d)
	stats.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`INSERT INTO user_stats (user_id, username, total_matches, wins, losses, total_pnl, avg_pnl,
			best_pnl, worst_pnl, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			total_matches = EXCLUDED.total_matches,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl = EXCLUDED.total_pnl,
			avg_pnl = EXCLUDED.avg_pnl,
			best_pnl = EXCLUDED.best_pnl,
			worst_pnl = EXCLUDED.worst_pnl,
			updated_at = EXCLUDED.updated_at`,
		stats.UserID, stats.Username, stats.TotalMatches, stats.Wins, stats.Losses,
		stats.TotalPnL.String(), stats.AvgPnL.String(), stats.BestPnL.String(), stats.WorstPnL.String(),
		stats.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteMatch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM matches WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return record.ErrMatchNotFound
	}
	return nil
}

func (s *PostgresStore) ListMatchesForUser(ctx context.Context, userID string, limit int) ([]*record.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMatchColumns+`
		 FROM matches
		 WHERE player1_id = $1 OR player2_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*record.Match
	for rows.Next() {
		m, err := scanPGMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) GetUserStats(ctx context.Context, userID string) (*record.UserStats, error) {
	stats, err := scanPGStats(s.pool.QueryRow(ctx,
		`SELECT `+pgStatsColumns+` FROM user_stats WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &record.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats %s: %w", userID, err)
	}
	return stats, nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]record.UserStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgStatsColumns+`
		 FROM user_stats
		 WHERE total_matches > 0
		 ORDER BY total_pnl DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []record.UserStats
	for rows.Next() {
		st, err := scanPGStats(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *st)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) DeleteStaleWaiting(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM matches WHERE status = 'WAITING' AND created_at < $1`, createdBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
