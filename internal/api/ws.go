package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"tradeduel/internal/game"
	"tradeduel/internal/record"
)

// Inbound and API-level outbound message types. The match flow messages
// are defined by the game package.
const (
	MsgJoinMatch     = "join_match"
	MsgTradeAction   = "trade_action"
	MsgLeaveMatch    = "leave_match"
	MsgTradeRejected = "trade_rejected"
	MsgError         = "error"
)

type tradeActionData struct {
	Action string `json:"action"`
	Shares int64  `json:"shares"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	c := s.hub.newClient(conn, id.UserID, id.Username)
	s.hub.Register(c)

	go c.writePump()
	go func() {
		c.readPump(s.handleMessage)
		if room := s.hub.Unregister(c); room != "" {
			s.leaveRoom(room, c.userID)
		}
	}()
}

func (s *Server) handleMessage(c *Client, msg Msg) {
	switch msg.Type {
	case MsgJoinMatch:
		s.wsJoinMatch(c, msg.MatchID)
	case MsgTradeAction:
		s.wsTrade(c, msg)
	case MsgLeaveMatch:
		if room := s.hub.Leave(c); room != "" {
			s.leaveRoom(room, c.userID)
		}
	default:
		s.hub.Send(c, msg.MatchID, MsgError, map[string]string{"error": "unknown message type"})
	}
}

func (s *Server) wsJoinMatch(c *Client, matchID string) {
	if matchID == "" {
		s.hub.Send(c, "", MsgError, map[string]string{"error": "matchId required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := s.records.Get(ctx, matchID)
	if err != nil {
		msg := "failed to load match"
		if errors.Is(err, record.ErrMatchNotFound) {
			msg = "match not found"
		} else {
			log.Printf("[WS] load match %s: %v", matchID, err)
		}
		s.hub.Send(c, matchID, MsgError, map[string]string{"error": msg})
		return
	}
	if !m.IsParticipant(c.userID) {
		s.hub.Send(c, matchID, MsgError, map[string]string{"error": record.ErrNotAuthorized.Error()})
		return
	}

	if prev := s.hub.Join(c, matchID); prev != "" {
		s.leaveRoom(prev, c.userID)
	}

	if m.Status == record.StatusCompleted {
		if _, live := s.registry.Snapshot(matchID); !live {
			s.hub.Send(c, matchID, MsgError, map[string]string{"error": game.ErrMatchRetired.Error()})
			return
		}
	}

	err = s.registry.Join(matchID, c.userID, game.SetupFor(m))
	switch {
	case err == nil, errors.Is(err, game.ErrMatchRetired):
		// the registry already sent the snapshot
	default:
		s.hub.Send(c, matchID, MsgError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) wsTrade(c *Client, msg Msg) {
	matchID := msg.MatchID
	if matchID == "" {
		matchID = s.hub.RoomOf(c)
	}

	var data tradeActionData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			s.hub.Send(c, matchID, MsgTradeRejected, map[string]string{"error": "invalid trade payload"})
			return
		}
	}

	if _, err := s.registry.Trade(matchID, c.userID, data.Action, data.Shares); err != nil {
		s.hub.Send(c, matchID, MsgTradeRejected, map[string]any{
			"action": data.Action,
			"shares": data.Shares,
			"error":  err.Error(),
		})
	}
}

// leaveRoom tells the registry once the user's last connection left the room
func (s *Server) leaveRoom(matchID, userID string) {
	if !s.hub.InRoom(matchID, userID) {
		s.registry.Leave(matchID, userID)
	}
}
