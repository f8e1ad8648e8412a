package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
)

// matchDoc holds the JSON columns of a match row
type matchDoc struct {
	player1  string
	player2  sql.NullString
	scenario string
}

func encodeMatch(m *record.Match) (matchDoc, error) {
	var doc matchDoc
	p1, err := json.Marshal(m.Player1)
	if err != nil {
		return doc, fmt.Errorf("encode player1: %w", err)
	}
	doc.player1 = string(p1)
	if m.Player2 != nil {
		p2, err := json.Marshal(m.Player2)
		if err != nil {
			return doc, fmt.Errorf("encode player2: %w", err)
		}
		doc.player2 = sql.NullString{String: string(p2), Valid: true}
	}
	sc, err := json.Marshal(m.Scenario)
	if err != nil {
		return doc, fmt.Errorf("encode scenario: %w", err)
	}
	doc.scenario = string(sc)
	return doc, nil
}

func decodeMatch(m *record.Match, doc matchDoc) error {
	if err := json.Unmarshal([]byte(doc.player1), &m.Player1); err != nil {
		return fmt.Errorf("decode player1: %w", err)
	}
	if doc.player2.Valid {
		var p2 record.Player
		if err := json.Unmarshal([]byte(doc.player2.String), &p2); err != nil {
			return fmt.Errorf("decode player2: %w", err)
		}
		m.Player2 = &p2
	}
	m.Scenario = &scenario.Scenario{}
	if err := json.Unmarshal([]byte(doc.scenario), m.Scenario); err != nil {
		return fmt.Errorf("decode scenario: %w", err)
	}
	return nil
}

func player2ID(m *record.Match) sql.NullString {
	if m.Player2 == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.Player2.UserID, Valid: true}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const matchColumns = `id, status, COALESCE(join_code, ''), solo, player1, player2, scenario,
	winner, notes, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*record.Match, error) {
	var (
		m                record.Match
		doc              matchDoc
		created, updated int64
	)
	err := row.Scan(&m.ID, &m.Status, &m.JoinCode, &m.Solo, &doc.player1, &doc.player2, &doc.scenario,
		&m.Winner, &m.Notes, &m.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, record.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeMatch(&m, doc); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return &m, nil
}

// CreateMatch inserts a new match at version 1
func (s *Store) CreateMatch(ctx context.Context, m *record.Match) error {
	doc, err := encodeMatch(m)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (id, status, join_code, solo, player1_id, player2_id, player1, player2,
			scenario, winner, notes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, m.ID, m.Status, nullable(m.JoinCode), m.Solo, m.Player1.UserID, player2ID(m), doc.player1, doc.player2,
		doc.scenario, m.Winner, m.Notes, toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: matches.join_code") {
			return record.ErrJoinCodeTaken
		}
		return err
	}
	m.Version = 1
	return nil
}

// GetMatch returns a match by ID
func (s *Store) GetMatch(ctx context.Context, id string) (*record.Match, error) {
	return scanMatch(s.db.QueryRowContext(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE id = ?", id))
}

// FindWaitingByCode returns the WAITING match holding code
func (s *Store) FindWaitingByCode(ctx context.Context, code string) (*record.Match, error) {
	return scanMatch(s.db.QueryRowContext(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE join_code = ? AND status = 'WAITING'", code))
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// updateMatch writes m if the stored version still equals m.Version
func updateMatch(ctx context.Context, db execer, m *record.Match) error {
	doc, err := encodeMatch(m)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE matches SET status = ?, join_code = ?, solo = ?, player2_id = ?, player1 = ?, player2 = ?,
			winner = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, m.Status, nullable(m.JoinCode), m.Solo, player2ID(m), doc.player1, doc.player2,
		m.Winner, m.Notes, toMillis(m.UpdatedAt), m.ID, m.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM matches WHERE id = ?)", m.ID).Scan(&exists); err != nil {
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

// SaveMatch updates a match with an optimistic version check
func (s *Store) SaveMatch(ctx context.Context, m *record.Match) error {
	return updateMatch(ctx, s.db, m)
}

// CompleteMatch saves the completed match and applies every stats delta
// in one transaction
func (s *Store) CompleteMatch(ctx context.Context, m *record.Match, deltas []record.StatsDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM matches WHERE id = ?", m.ID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return record.ErrMatchNotFound
		}
		return err
	}
	if record.Status(status) == record.StatusCompleted {
		return record.ErrVersionConflict
	}

	version := m.Version
	if err := updateMatch(ctx, tx, m); err != nil {
		return err
	}
	for _, d := range deltas {
		if err := updateUserStatsInTx(ctx, tx, d); err != nil {
			m.Version = version
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		m.Version = version
		return err
	}
	return nil
}

// updateUserStatsInTx folds one delta into the user's stats row
func updateUserStatsInTx(ctx context.Context, tx *sql.Tx, d record.StatsDelta) error {
	stats, err := scanStats(tx.QueryRowContext(ctx, `
		SELECT `+statsColumns+` FROM user_stats WHERE user_id = ?
	`, d.UserID))
	if err == sql.ErrNoRows {
		stats = &record.UserStats{UserID: d.UserID}
	} else if err != nil {
		return err
	}

	stats.Apply(d)
	stats.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, username, total_matches, wins, losses, total_pnl, avg_pnl,
			best_pnl, worst_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			total_matches = excluded.total_matches,
			wins = excluded.wins,
			losses = excluded.losses,
			total_pnl = excluded.total_pnl,
			avg_pnl = excluded.avg_pnl,
			best_pnl = excluded.best_pnl,
			worst_pnl = excluded.worst_pnl,
			updated_at = excluded.updated_at
	`, stats.UserID, stats.Username, stats.TotalMatches, stats.Wins, stats.Losses,
		stats.TotalPnL.String(), stats.AvgPnL.String(), stats.BestPnL.String(), stats.WorstPnL.String(),
		toMillis(stats.UpdatedAt))
	return err
}

const statsColumns = `user_id, username, total_matches, wins, losses, total_pnl, avg_pnl, best_pnl,
	worst_pnl, updated_at`

func scanStats(row rowScanner) (*record.UserStats, error) {
	var (
		st                      record.UserStats
		total, avg, best, worst string
		updated                 int64
	)
	if err := row.Scan(&st.UserID, &st.Username, &st.TotalMatches, &st.Wins, &st.Losses,
		&total, &avg, &best, &worst, &updated); err != nil {
		return nil, err
	}
	if err := parseAmounts([]string{total, avg, best, worst},
		&st.TotalPnL, &st.AvgPnL, &st.BestPnL, &st.WorstPnL); err != nil {
		return nil, fmt.Errorf("stats for %s: %w", st.UserID, err)
	}
	st.UpdatedAt = fromMillis(updated)
	return &st, nil
}

// parseAmounts decodes stored decimal columns into out, in order
func parseAmounts(raw []string, out ...*decimal.Decimal) error {
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", s, err)
		}
		*out[i] = d
	}
	return nil
}

// DeleteMatch removes a match
func (s *Store) DeleteMatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM matches WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return record.ErrMatchNotFound
	}
	return nil
}

// ListMatchesForUser returns a user's matches, newest first
func (s *Store) ListMatchesForUser(ctx context.Context, userID string, limit int) ([]*record.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE player1_id = ? OR player2_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*record.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// GetUserStats returns stats for a user, zeroed if they have none
func (s *Store) GetUserStats(ctx context.Context, userID string) (*record.UserStats, error) {
	stats, err := scanStats(s.db.QueryRowContext(ctx,
		"SELECT "+statsColumns+" FROM user_stats WHERE user_id = ?", userID))
	if err == sql.ErrNoRows {
		return &record.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Leaderboard returns top users by total match P&L
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]record.UserStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statsColumns+`
		FROM user_stats
		WHERE total_matches > 0
		ORDER BY CAST(total_pnl AS REAL) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []record.UserStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *st)
	}
	return stats, rows.Err()
}

// DeleteStaleWaiting removes WAITING matches created before the cutoff
func (s *Store) DeleteStaleWaiting(ctx context.Context, createdBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM matches WHERE status = 'WAITING' AND created_at < ?", toMillis(createdBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
