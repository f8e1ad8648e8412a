package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeduel/internal/position"
	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "duel-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testScenario(t *testing.T) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.NewSyntheticProvider(3).Scenario(context.Background())
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	return sc
}

func newMatch(t *testing.T, id, player1, code string) *record.Match {
	t.Helper()
	now := time.Now().UTC()
	return &record.Match{
		ID: id,
		Player1: record.Player{
			UserID:      player1,
			Username:    player1,
			FinalEquity: position.StartingCash,
			Trades:      []position.Trade{},
		},
		Scenario:  testScenario(t),
		Status:    record.StatusWaiting,
		JoinCode:  code,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ==================== USER TESTS ====================

func TestCreateUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if user.ID == "" {
		t.Error("expected user ID to be set")
	}
	if user.Username != "alice" {
		t.Errorf("expected username 'alice', got '%s'", user.Username)
	}
	if user.PasswordHash == "" || user.PasswordHash == "password123" {
		t.Error("password should be hashed, not stored in plain text")
	}

	_, err = store.CreateUser(ctx, "alice", "different")
	if err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	user, err := store.AuthenticateUser(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	if user.ID != created.ID {
		t.Errorf("expected id %s, got %s", created.ID, user.ID)
	}

	if _, err := store.AuthenticateUser(ctx, "alice", "wrongpassword"); err != ErrInvalidPassword {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := store.AuthenticateUser(ctx, "bob", "password123"); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	byID, err := store.GetUserByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if byID.Username != "alice" {
		t.Errorf("expected username 'alice', got '%s'", byID.Username)
	}
	if _, err := store.GetUserByID(ctx, "nonexistent"); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

// ==================== MATCH TESTS ====================

func TestCreateAndGetMatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newMatch(t, "m1", "alice", "123456")
	if err := store.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}

	got, err := store.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if got.Status != record.StatusWaiting || got.JoinCode != "123456" {
		t.Errorf("unexpected match: status=%s code=%s", got.Status, got.JoinCode)
	}
	if got.Player2 != nil {
		t.Error("expected empty second seat")
	}
	if !got.Player1.FinalEquity.Equal(position.StartingCash) {
		t.Errorf("expected starting equity, got %s", got.Player1.FinalEquity)
	}
	if len(got.Scenario.GameCandles) != scenario.GameDays {
		t.Errorf("expected %d game candles, got %d", scenario.GameDays, len(got.Scenario.GameCandles))
	}
	if !got.Scenario.WeekClose(3).Equal(m.Scenario.WeekClose(3)) {
		t.Error("scenario candles did not round trip")
	}

	byCode, err := store.FindWaitingByCode(ctx, "123456")
	if err != nil || byCode.ID != "m1" {
		t.Fatalf("FindWaitingByCode: %v", err)
	}

	if _, err := store.GetMatch(ctx, "missing"); err != record.ErrMatchNotFound {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestJoinCodeUniqueAmongWaiting(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := newMatch(t, "m1", "alice", "111111")
	if err := store.CreateMatch(ctx, first); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	if err := store.CreateMatch(ctx, newMatch(t, "m2", "bob", "111111")); err != record.ErrJoinCodeTaken {
		t.Fatalf("expected ErrJoinCodeTaken, got %v", err)
	}

	// Once the first match leaves WAITING its code is free again
	first.Status = record.StatusInProgress
	if err := store.SaveMatch(ctx, first); err != nil {
		t.Fatalf("SaveMatch failed: %v", err)
	}
	if err := store.CreateMatch(ctx, newMatch(t, "m2", "bob", "111111")); err != nil {
		t.Fatalf("expected code reuse to succeed, got %v", err)
	}
}

func TestSaveMatchVersionConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateMatch(ctx, newMatch(t, "m1", "alice", "222222")); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}

	a, _ := store.GetMatch(ctx, "m1")
	b, _ := store.GetMatch(ctx, "m1")

	a.Notes = "first"
	if err := store.SaveMatch(ctx, a); err != nil {
		t.Fatalf("SaveMatch failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2, got %d", a.Version)
	}

	b.Notes = "second"
	if err := store.SaveMatch(ctx, b); err != record.ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	ghost := newMatch(t, "ghost", "alice", "")
	if err := store.SaveMatch(ctx, ghost); err != record.ErrMatchNotFound {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestCompleteMatchAppliesStatsOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := newMatch(t, "m1", "alice", "333333")
	if err := store.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}

	bob := record.Player{UserID: "bob", Username: "bob", FinalEquity: position.StartingCash}
	m.Player2 = &bob
	m.Status = record.StatusInProgress
	m.JoinCode = ""
	if err := store.SaveMatch(ctx, m); err != nil {
		t.Fatalf("SaveMatch failed: %v", err)
	}

	m.Record(record.Outcome{UserID: "alice", FinalEquity: decimal.NewFromInt(105000)})
	m.Record(record.Outcome{UserID: "bob", FinalEquity: decimal.NewFromInt(98000)})
	if !m.TryComplete() {
		t.Fatal("expected match to complete")
	}
	if err := store.CompleteMatch(ctx, m, m.StatsDeltas()); err != nil {
		t.Fatalf("CompleteMatch failed: %v", err)
	}

	stale := *m
	stale.Version--
	if err := store.CompleteMatch(ctx, &stale, stale.StatsDeltas()); err != record.ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict on second completion, got %v", err)
	}

	got, _ := store.GetMatch(ctx, "m1")
	if got.Status != record.StatusCompleted || got.Winner != "alice" {
		t.Errorf("unexpected completion: status=%s winner=%s", got.Status, got.Winner)
	}
	if got.Player2 == nil || !got.Player2.IsFinished {
		t.Error("expected player2 finished")
	}

	alice, err := store.GetUserStats(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserStats failed: %v", err)
	}
	if alice.TotalMatches != 1 || alice.Wins != 1 || alice.Losses != 0 {
		t.Errorf("unexpected alice stats: %+v", alice)
	}
	if !alice.TotalPnL.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected total pnl 5000, got %s", alice.TotalPnL)
	}

	bobStats, _ := store.GetUserStats(ctx, "bob")
	if bobStats.Losses != 1 || !bobStats.WorstPnL.Equal(decimal.NewFromInt(-2000)) {
		t.Errorf("unexpected bob stats: %+v", bobStats)
	}

	board, err := store.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(board) != 2 || board[0].UserID != "alice" {
		t.Errorf("unexpected leaderboard: %+v", board)
	}
}

func TestGetUserStatsEmpty(t *testing.T) {
	store := setupTestStore(t)

	stats, err := store.GetUserStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetUserStats failed: %v", err)
	}
	if stats.TotalMatches != 0 || !stats.TotalPnL.IsZero() {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestListAndDeleteMatches(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	older := newMatch(t, "old", "alice", "444444")
	older.CreatedAt = time.Now().Add(-2 * time.Hour)
	newer := newMatch(t, "new", "alice", "555555")
	other := newMatch(t, "other", "carol", "666666")
	for _, m := range []*record.Match{older, newer, other} {
		if err := store.CreateMatch(ctx, m); err != nil {
			t.Fatalf("CreateMatch failed: %v", err)
		}
	}

	list, err := store.ListMatchesForUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListMatchesForUser failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Errorf("unexpected history order: %d matches", len(list))
	}

	n, err := store.DeleteStaleWaiting(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleWaiting failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale match removed, got %d", n)
	}

	if err := store.DeleteMatch(ctx, "new"); err != nil {
		t.Fatalf("DeleteMatch failed: %v", err)
	}
	if err := store.DeleteMatch(ctx, "new"); err != record.ErrMatchNotFound {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestStoreBacksRecordService(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	svc := record.NewService(store, scenario.NewSyntheticProvider(11))

	m, err := svc.Create(ctx, "alice", "Alice", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Join(ctx, m.JoinCode, "bob", "Bob"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	done, err := svc.RecordOutcomes(ctx, m.ID, []record.Outcome{
		{UserID: "alice", FinalEquity: decimal.NewFromInt(100000)},
		{UserID: "bob", FinalEquity: decimal.NewFromInt(100000)},
	})
	if err != nil {
		t.Fatalf("RecordOutcomes failed: %v", err)
	}
	if done.Status != record.StatusCompleted || done.Winner != "" {
		t.Errorf("expected drawn completion, got status=%s winner=%q", done.Status, done.Winner)
	}
}

func TestCachedRepositoryFallsBackWithoutRedis(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	cached := NewCachedRepository(store, rdb, time.Minute)

	m := newMatch(t, "m1", "alice", "777777")
	if err := cached.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	got, err := cached.GetMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if got.JoinCode != "777777" {
		t.Errorf("expected join code from primary, got %s", got.JoinCode)
	}
	if err := cached.DeleteMatch(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMatch failed: %v", err)
	}
}

// ==================== MIGRATION TESTS ====================

func TestMigrationStatus(t *testing.T) {
	store := setupTestStore(t)

	applied, pending, err := store.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(pending))
	}
	if len(applied) != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), len(applied))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
	if _, err := store.CreateUser(context.Background(), "test", "pass"); err != nil {
		t.Fatalf("CreateUser failed after migration re-run: %v", err)
	}
}

func TestMigrationVersionsAreSequential(t *testing.T) {
	for i, m := range migrations {
		expectedVersion := i + 1
		if m.Version != expectedVersion {
			t.Errorf("migration %d has version %d, expected %d", i, m.Version, expectedVersion)
		}
	}
}

func TestCorruptStatsRowIsAnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, username, total_matches, total_pnl, updated_at)
		VALUES ('alice', 'alice', 1, 'not-a-number', 0)`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if stats, err := store.GetUserStats(ctx, "alice"); err == nil {
		t.Errorf("expected a parse error, got %+v", stats)
	}
	if _, err := store.Leaderboard(ctx, 10); err == nil {
		t.Error("expected leaderboard to surface the parse error")
	}
}
