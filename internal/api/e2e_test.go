package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradeduel/internal/api"
	"tradeduel/internal/game"
	"tradeduel/internal/match"
	"tradeduel/internal/position"
	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
	"tradeduel/internal/store"
)

// testEnv holds all the components needed for e2e testing
type testEnv struct {
	server   *httptest.Server
	api      *api.Server
	store    *store.Store
	registry *game.Registry
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	scenarios := scenario.NewSyntheticProvider(42)
	records := record.NewService(st, scenarios)
	hub := api.NewHub()

	// short rounds: 200ms reveal, 300ms decision
	cfg := game.DefaultConfig()
	cfg.Clock = match.ClockConfig{
		RoundDuration:    500 * time.Millisecond,
		DecisionDuration: 300 * time.Millisecond,
		Weeks:            4,
	}
	registry := game.NewRegistry(cfg, hub, records)

	apiCfg := api.DefaultConfig()
	apiCfg.JWTSecret = "test-secret"
	apiCfg.RateLimit = 1000
	srv := api.NewServer(apiCfg, st, records, scenarios, registry, hub)

	env := &testEnv{
		server:   httptest.NewServer(srv.Router()),
		api:      srv,
		store:    st,
		registry: registry,
	}
	t.Cleanup(env.cleanup)
	return env
}

func (e *testEnv) cleanup() {
	e.server.Close()
	e.api.Shutdown()
	e.registry.Stop()
	e.store.Close()
}

func (e *testEnv) do(method, path string, body any, token string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.server.URL+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

// call performs a request, checks the status and decodes the body into out
func (e *testEnv) call(t *testing.T, method, path string, body any, token string, want int, out any) {
	t.Helper()
	resp, err := e.do(method, path, body, token)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, b)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode JSON: %v", err)
		}
	}
}

// registerUser registers a user and returns the auth token and user id
func (e *testEnv) registerUser(t *testing.T, username string) (token, userID string) {
	t.Helper()
	var res api.AuthResponse
	e.call(t, "POST", "/api/auth/register", map[string]string{
		"username": username,
		"password": "password123",
	}, "", http.StatusOK, &res)
	if res.Token == "" || res.UserID == "" {
		t.Fatal("Missing token or userId in register response")
	}
	return res.Token, res.UserID
}

type wsMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId"`
	Data    json.RawMessage `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	msgs chan wsMsg
}

func (e *testEnv) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	c := &wsClient{conn: conn, msgs: make(chan wsMsg, 256)}
	go func() {
		defer close(c.msgs)
		for {
			var m wsMsg
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *wsClient) send(t *testing.T, msgType, matchID string, data any) {
	t.Helper()
	msg := map[string]any{"type": msgType, "matchId": matchID}
	if data != nil {
		msg["data"] = data
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		t.Fatalf("WebSocket write failed: %v", err)
	}
}

// expect skips messages until one of type msgType arrives
func (c *wsClient) expect(t *testing.T, msgType string, out any) wsMsg {
	t.Helper()
	return c.expectWhere(t, msgType, out, func(json.RawMessage) bool { return true })
}

func (c *wsClient) expectWhere(t *testing.T, msgType string, out any, keep func(json.RawMessage) bool) wsMsg {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				t.Fatalf("connection closed waiting for %s", msgType)
			}
			if m.Type != msgType || !keep(m.Data) {
				continue
			}
			if out != nil {
				if err := json.Unmarshal(m.Data, out); err != nil {
					t.Fatalf("decode %s: %v", msgType, err)
				}
			}
			return m
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

// expectPhase waits for a match_state in phase at week
func (c *wsClient) expectPhase(t *testing.T, week int, phase match.Phase) match.Snapshot {
	t.Helper()
	var snap match.Snapshot
	c.expectWhere(t, game.MsgMatchState, &snap, func(raw json.RawMessage) bool {
		var s match.Snapshot
		return json.Unmarshal(raw, &s) == nil && s.CurrentWeek == week && s.Phase == phase
	})
	return snap
}

func TestE2E_AuthFlow(t *testing.T) {
	env := setupTestEnv(t)

	token, userID := env.registerUser(t, "testuser")

	t.Run("DuplicateRegister", func(t *testing.T) {
		env.call(t, "POST", "/api/auth/register", map[string]string{
			"username": "testuser",
			"password": "anotherpass",
		}, "", http.StatusConflict, nil)
	})

	t.Run("ShortPassword", func(t *testing.T) {
		env.call(t, "POST", "/api/auth/register", map[string]string{
			"username": "shorty",
			"password": "abc",
		}, "", http.StatusBadRequest, nil)
	})

	t.Run("Login", func(t *testing.T) {
		var res api.AuthResponse
		env.call(t, "POST", "/api/auth/login", map[string]string{
			"username": "testuser",
			"password": "password123",
		}, "", http.StatusOK, &res)
		if res.UserID != userID {
			t.Errorf("Expected user %s, got %s", userID, res.UserID)
		}
	})

	t.Run("WrongPassword", func(t *testing.T) {
		env.call(t, "POST", "/api/auth/login", map[string]string{
			"username": "testuser",
			"password": "wrongpass",
		}, "", http.StatusUnauthorized, nil)
	})

	t.Run("Me", func(t *testing.T) {
		var me map[string]any
		env.call(t, "GET", "/api/auth/me", nil, token, http.StatusOK, &me)
		if me["username"] != "testuser" {
			t.Errorf("Expected username testuser, got %v", me["username"])
		}
		if _, leaked := me["PasswordHash"]; leaked {
			t.Error("password hash leaked")
		}
	})

	t.Run("MissingAndBadToken", func(t *testing.T) {
		env.call(t, "GET", "/api/auth/me", nil, "", http.StatusUnauthorized, nil)
		env.call(t, "GET", "/api/auth/me", nil, "not-a-jwt", http.StatusUnauthorized, nil)
	})
}

func TestE2E_HealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t)

	var health map[string]any
	env.call(t, "GET", "/api/health", nil, "", http.StatusOK, &health)
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}

	resp, err := env.do("GET", "/metrics", nil, "")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tradeduel_http_requests_total") {
		t.Error("metrics output missing request counter")
	}
}

func TestE2E_ScenarioPreviewHidesGameCandles(t *testing.T) {
	env := setupTestEnv(t)
	token, _ := env.registerUser(t, "viewer")

	var preview map[string]any
	env.call(t, "GET", "/api/scenarios/random", nil, token, http.StatusOK, &preview)
	if _, ok := preview["gameCandles"]; ok {
		t.Error("preview must not reveal game candles")
	}
	if n, _ := preview["gameDays"].(float64); int(n) != scenario.GameDays {
		t.Errorf("Expected gameDays %d, got %v", scenario.GameDays, preview["gameDays"])
	}
	if c, _ := preview["contextCandles"].([]any); len(c) == 0 {
		t.Error("Expected context candles")
	}
}

func TestE2E_MatchLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	alice, aliceID := env.registerUser(t, "alice")
	bob, bobID := env.registerUser(t, "bob")
	carol, _ := env.registerUser(t, "carol")

	var m record.Match
	env.call(t, "POST", "/api/matches", map[string]bool{"solo": false}, alice, http.StatusCreated, &m)
	if m.Status != record.StatusWaiting {
		t.Fatalf("Expected WAITING, got %s", m.Status)
	}
	if len(m.JoinCode) != 6 {
		t.Fatalf("Expected 6-digit join code, got %q", m.JoinCode)
	}
	if len(m.Scenario.GameCandles) != scenario.GameDays {
		t.Fatalf("Expected %d game candles, got %d", scenario.GameDays, len(m.Scenario.GameCandles))
	}

	t.Run("JoinRules", func(t *testing.T) {
		env.call(t, "POST", "/api/matches/join", map[string]string{"joinCode": "000000"}, bob, http.StatusNotFound, nil)
		env.call(t, "POST", "/api/matches/join", map[string]string{"joinCode": m.JoinCode}, alice, http.StatusBadRequest, nil)

		var joined record.Match
		env.call(t, "POST", "/api/matches/join", map[string]string{"joinCode": m.JoinCode}, bob, http.StatusOK, &joined)
		if joined.Status != record.StatusInProgress || joined.Player2 == nil || joined.Player2.UserID != bobID {
			t.Fatalf("Expected bob seated and IN_PROGRESS, got %+v", joined)
		}
		if joined.JoinCode != "" {
			t.Error("join code must be cleared once the match starts")
		}

		// the code no longer resolves to a waiting match
		env.call(t, "POST", "/api/matches/join", map[string]string{"joinCode": m.JoinCode}, carol, http.StatusNotFound, nil)
	})

	t.Run("OnlyOwnSlot", func(t *testing.T) {
		env.call(t, "PUT", "/api/matches/"+m.ID, map[string]any{"player2FinalEquity": "1000000"}, alice, http.StatusForbidden, nil)
		env.call(t, "PUT", "/api/matches/"+m.ID, map[string]any{"player1FinalEquity": "105000"}, carol, http.StatusForbidden, nil)
	})

	t.Run("Finalize", func(t *testing.T) {
		var after record.Match
		env.call(t, "PUT", "/api/matches/"+m.ID, map[string]any{"player1FinalEquity": "105000"}, alice, http.StatusOK, &after)
		if after.Status != record.StatusInProgress {
			t.Fatalf("Expected IN_PROGRESS after one report, got %s", after.Status)
		}

		env.call(t, "PUT", "/api/matches/"+m.ID, map[string]any{"player2FinalEquity": 98000}, bob, http.StatusOK, &after)
		if after.Status != record.StatusCompleted {
			t.Fatalf("Expected COMPLETED, got %s", after.Status)
		}
		if after.Winner != aliceID {
			t.Errorf("Expected alice to win, got %q", after.Winner)
		}

		// a repeated report changes nothing
		env.call(t, "PUT", "/api/matches/"+m.ID, map[string]any{"player1FinalEquity": "1"}, alice, http.StatusOK, &after)
		if !after.Player1.FinalEquity.Equal(decimal.NewFromInt(105000)) {
			t.Errorf("completed match was modified: %s", after.Player1.FinalEquity)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		var st record.UserStats
		env.call(t, "GET", "/api/users/"+aliceID+"/stats", nil, bob, http.StatusOK, &st)
		if st.TotalMatches != 1 || st.Wins != 1 || st.Losses != 0 {
			t.Errorf("unexpected alice stats %+v", st)
		}
		if !st.TotalPnL.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("Expected alice PnL 5000, got %s", st.TotalPnL)
		}
		env.call(t, "GET", "/api/users/"+bobID+"/stats", nil, bob, http.StatusOK, &st)
		if st.Losses != 1 {
			t.Errorf("Expected bob to have a loss, got %+v", st)
		}

		var board []record.UserStats
		env.call(t, "GET", "/api/leaderboard", nil, carol, http.StatusOK, &board)
		if len(board) != 2 || board[0].UserID != aliceID {
			t.Errorf("Expected alice on top of a 2-entry leaderboard, got %+v", board)
		}
	})

	t.Run("HistoryNotesDelete", func(t *testing.T) {
		var history []record.Match
		env.call(t, "GET", "/api/matches/history/"+bobID, nil, bob, http.StatusOK, &history)
		if len(history) != 1 || history[0].ID != m.ID {
			t.Fatalf("Expected one match in bob's history, got %d", len(history))
		}

		var noted record.Match
		env.call(t, "PATCH", "/api/matches/"+m.ID+"/note", map[string]string{"note": "gg"}, bob, http.StatusOK, &noted)
		if noted.Notes != "gg" {
			t.Errorf("Expected note gg, got %q", noted.Notes)
		}
		env.call(t, "PATCH", "/api/matches/"+m.ID+"/note", map[string]string{"note": "x"}, carol, http.StatusForbidden, nil)

		env.call(t, "DELETE", "/api/matches/"+m.ID, nil, carol, http.StatusForbidden, nil)
		env.call(t, "DELETE", "/api/matches/"+m.ID, nil, alice, http.StatusNoContent, nil)
		env.call(t, "GET", "/api/matches/"+m.ID, nil, alice, http.StatusNotFound, nil)
	})
}

func TestE2E_WebSocketRequiresToken(t *testing.T) {
	env := setupTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %v", resp)
	}
}

func TestE2E_SoloGame(t *testing.T) {
	env := setupTestEnv(t)
	alice, aliceID := env.registerUser(t, "alice")

	var m record.Match
	env.call(t, "POST", "/api/matches", map[string]bool{"solo": true}, alice, http.StatusCreated, &m)
	if m.Status != record.StatusInProgress || m.JoinCode != "" {
		t.Fatalf("Expected solo match IN_PROGRESS without code, got %s %q", m.Status, m.JoinCode)
	}

	ws := env.dial(t, alice)
	ws.send(t, api.MsgJoinMatch, m.ID, nil)
	ws.expect(t, game.MsgPlayerJoined, nil)
	ws.expect(t, game.MsgMatchReady, nil)
	ws.expectPhase(t, 0, match.PhaseDecision)

	ws.send(t, api.MsgTradeAction, m.ID, map[string]any{"action": "BUY", "shares": 100})
	var res game.TradeResult
	ws.expect(t, game.MsgTradeResult, &res)
	week0 := m.Scenario.WeekClose(0)
	if res.Action != position.Buy || !res.Price.Equal(week0) {
		t.Fatalf("Expected BUY at %s, got %s at %s", week0, res.Action, res.Price)
	}
	if res.Position == nil || res.Position.Shares != 100 {
		t.Fatalf("Expected a 100 share position, got %+v", res.Position)
	}

	ws.send(t, api.MsgTradeAction, m.ID, map[string]any{"action": "SELL", "shares": 100})
	var rejected map[string]any
	ws.expect(t, api.MsgTradeRejected, &rejected)
	if rejected["error"] != game.ErrAlreadyDecided.Error() {
		t.Errorf("Expected already-decided rejection, got %v", rejected["error"])
	}

	var results game.Results
	ws.expect(t, game.MsgMatchResults, &results)
	if len(results.Players) != 1 || results.Winner != aliceID {
		t.Fatalf("unexpected solo results %+v", results)
	}
	final := m.Scenario.FinalClose()
	want := position.StartingCash.Add(final.Sub(week0).Mul(decimal.NewFromInt(100)))
	if !results.Players[0].FinalEquity.Equal(want) {
		t.Errorf("Expected final equity %s, got %s", want, results.Players[0].FinalEquity)
	}

	var stored record.Match
	env.call(t, "GET", "/api/matches/"+m.ID, nil, alice, http.StatusOK, &stored)
	if stored.Status != record.StatusCompleted {
		t.Fatalf("Expected COMPLETED record, got %s", stored.Status)
	}
	trades := stored.Player1.Trades
	if len(trades) != 5 {
		t.Fatalf("Expected BUY, three auto HOLDs and the implicit close, got %d trades", len(trades))
	}
	if last := trades[len(trades)-1]; !last.Implicit || last.Action != position.Sell {
		t.Errorf("Expected implicit SELL at the end, got %+v", last)
	}

	var st record.UserStats
	env.call(t, "GET", "/api/users/"+aliceID+"/stats", nil, alice, http.StatusOK, &st)
	if st.TotalMatches != 1 || st.Wins != 1 || st.Losses != 0 {
		t.Errorf("solo match counts as a win, got %+v", st)
	}

	// rejoining a finished match gets the final state, not a new clock
	ws.send(t, api.MsgJoinMatch, m.ID, nil)
	snap := ws.expectPhase(t, 3, match.PhaseCompleted)
	if snap.IsRunning {
		t.Error("completed snapshot must not be running")
	}
	if env.registry.Len() != 0 {
		t.Errorf("Expected no live sessions, got %d", env.registry.Len())
	}
}

func TestE2E_DuelRelay(t *testing.T) {
	env := setupTestEnv(t)
	alice, aliceID := env.registerUser(t, "alice")
	bob, bobID := env.registerUser(t, "bob")
	carol, _ := env.registerUser(t, "carol")

	var m record.Match
	env.call(t, "POST", "/api/matches", nil, alice, http.StatusCreated, &m)
	env.call(t, "POST", "/api/matches/join", map[string]string{"joinCode": m.JoinCode}, bob, http.StatusOK, &m)

	outsider := env.dial(t, carol)
	outsider.send(t, api.MsgJoinMatch, m.ID, nil)
	outsider.expect(t, api.MsgError, nil)

	aws := env.dial(t, alice)
	aws.send(t, api.MsgJoinMatch, m.ID, nil)
	var joined map[string]any
	aws.expect(t, game.MsgPlayerJoined, &joined)
	if joined["playerCount"] != float64(1) {
		t.Errorf("Expected playerCount 1, got %v", joined["playerCount"])
	}

	bws := env.dial(t, bob)
	bws.send(t, api.MsgJoinMatch, m.ID, nil)
	aws.expect(t, game.MsgMatchReady, nil)
	bws.expect(t, game.MsgMatchReady, nil)

	aws.expectPhase(t, 0, match.PhaseDecision)
	aws.send(t, api.MsgTradeAction, m.ID, map[string]any{"action": "buy", "shares": 10})

	var own game.TradeResult
	aws.expect(t, game.MsgTradeResult, &own)

	var relayed game.TradeResult
	bws.expectWhere(t, game.MsgOpponentTrade, &relayed, func(raw json.RawMessage) bool {
		var r game.TradeResult
		return json.Unmarshal(raw, &r) == nil && !r.Auto
	})
	if relayed.PlayerID != aliceID || relayed.Action != position.Buy {
		t.Fatalf("Expected alice's BUY relayed to bob, got %+v", relayed)
	}
	if !relayed.Equity.Equal(own.Equity) || *relayed.Shares != 10 {
		t.Errorf("relayed result differs from the sender's: %+v vs %+v", relayed, own)
	}

	// bob let the week lapse and gets an automatic HOLD
	var auto game.TradeResult
	bws.expectWhere(t, game.MsgTradeResult, &auto, func(raw json.RawMessage) bool {
		var r game.TradeResult
		return json.Unmarshal(raw, &r) == nil && r.Week == 0
	})
	if !auto.Auto || auto.Action != position.Hold {
		t.Errorf("Expected auto HOLD for bob, got %+v", auto)
	}

	var aRes, bRes game.Results
	aws.expect(t, game.MsgMatchResults, &aRes)
	bws.expect(t, game.MsgMatchResults, &bRes)
	if aRes.Winner != bRes.Winner {
		t.Errorf("players disagree on the winner: %q vs %q", aRes.Winner, bRes.Winner)
	}

	var stored record.Match
	env.call(t, "GET", "/api/matches/"+m.ID, nil, bob, http.StatusOK, &stored)
	if stored.Status != record.StatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s", stored.Status)
	}
	move := m.Scenario.FinalClose().Sub(m.Scenario.WeekClose(0))
	switch move.Sign() {
	case 1:
		if stored.Winner != aliceID {
			t.Errorf("price rose, expected alice to win, got %q", stored.Winner)
		}
	case -1:
		if stored.Winner != bobID {
			t.Errorf("price fell, expected bob to win, got %q", stored.Winner)
		}
	default:
		if stored.Winner != "" {
			t.Errorf("flat price, expected a draw, got %q", stored.Winner)
		}
	}
	if !stored.Player2.FinalEquity.Equal(position.StartingCash) {
		t.Errorf("bob only held, expected %s, got %s", position.StartingCash, stored.Player2.FinalEquity)
	}
}

func TestE2E_TradeWithoutSession(t *testing.T) {
	env := setupTestEnv(t)
	alice, _ := env.registerUser(t, "alice")

	ws := env.dial(t, alice)
	ws.send(t, api.MsgTradeAction, "no-such-match", map[string]any{"action": "BUY", "shares": 1})
	var rejected map[string]any
	ws.expect(t, api.MsgTradeRejected, &rejected)
	if rejected["error"] != game.ErrNoSession.Error() {
		t.Errorf("Expected no-session rejection, got %v", rejected["error"])
	}

	ws.send(t, "bogus", "", nil)
	ws.expect(t, api.MsgError, nil)
}
