package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradeduel/internal/record"
	"tradeduel/internal/scenario"
)

type CreateMatchRequest struct {
	Solo bool `json:"solo"`
}

type JoinMatchRequest struct {
	JoinCode string `json:"joinCode"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

// ScenarioPreview is a scenario without the candles still to be revealed
type ScenarioPreview struct {
	ID             string              `json:"id"`
	Ticker         string              `json:"ticker"`
	StartDate      string              `json:"startDate"`
	ContextCandles []scenario.Candle   `json:"contextCandles"`
	Description    string              `json:"description"`
	Difficulty     scenario.Difficulty `json:"difficulty"`
	GameDays       int                 `json:"gameDays"`
}

func (s *Server) handleRandomScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scenarios.Scenario(r.Context())
	if err != nil {
		s.writeServiceError(w, "random scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioPreview{
		ID:             sc.ID,
		Ticker:         sc.Ticker,
		StartDate:      sc.StartDate,
		ContextCandles: sc.ContextCandles,
		Description:    sc.Description,
		Difficulty:     sc.Difficulty,
		GameDays:       len(sc.GameCandles),
	})
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := identityFrom(r.Context())
	m, err := s.records.Create(r.Context(), id.UserID, id.Username, req.Solo)
	if err != nil {
		s.writeServiceError(w, "create match", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleJoinMatch(w http.ResponseWriter, r *http.Request) {
	var req JoinMatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.JoinCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "joinCode required")
		return
	}
	id := identityFrom(r.Context())
	m, err := s.records.Join(r.Context(), code, id.UserID, id.Username)
	if err != nil {
		s.writeServiceError(w, "join match", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get match", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req record.FinalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := identityFrom(r.Context())
	m, err := s.records.Finalize(r.Context(), chi.URLParam(r, "id"), id.UserID, req)
	if err != nil {
		s.writeServiceError(w, "finalize match", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSetNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := identityFrom(r.Context())
	m, err := s.records.SetNote(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Note)
	if err != nil {
		s.writeServiceError(w, "set note", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.records.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		s.writeServiceError(w, "delete match", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	matches, err := s.records.History(r.Context(), chi.URLParam(r, "userId"), queryLimit(r, 20, 100))
	if err != nil {
		s.writeServiceError(w, "match history", err)
		return
	}
	if matches == nil {
		matches = []*record.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "user stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.records.Leaderboard(r.Context(), queryLimit(r, 10, 100))
	if err != nil {
		s.writeServiceError(w, "leaderboard", err)
		return
	}
	if entries == nil {
		entries = []record.UserStats{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// queryLimit reads ?limit=, clamped to [1, maxLimit]
func queryLimit(r *http.Request, def, maxLimit int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
