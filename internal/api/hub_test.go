package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Client) []outMsg {
	var out []outMsg
	for {
		select {
		case b := <-c.send:
			var m outMsg
			_ = json.Unmarshal(b, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHubRooms(t *testing.T) {
	h := NewHub()
	alice := h.newClient(nil, "alice", "Alice")
	bob := h.newClient(nil, "bob", "Bob")
	eve := h.newClient(nil, "eve", "Eve")
	for _, c := range []*Client{alice, bob, eve} {
		h.Register(c)
	}

	assert.Empty(t, h.Join(alice, "m1"))
	h.Join(bob, "m1")
	h.Join(eve, "m2")

	h.Publish("m1", "match_state", 1)
	h.PublishExcept("m1", "alice", "opponent_trade", 2)
	h.SendTo("m1", "alice", "trade_result", 3)

	a, b, e := drain(alice), drain(bob), drain(eve)
	require.Len(t, a, 2)
	assert.Equal(t, "match_state", a[0].Type)
	assert.Equal(t, "m1", a[0].MatchID)
	assert.Equal(t, "trade_result", a[1].Type)
	require.Len(t, b, 2)
	assert.Equal(t, "opponent_trade", b[1].Type)
	assert.Empty(t, e)

	assert.True(t, h.InRoom("m1", "bob"))
	assert.Equal(t, "m1", h.Join(bob, "m2"))
	assert.False(t, h.InRoom("m1", "bob"))
	assert.Equal(t, "m2", h.RoomOf(bob))

	assert.Equal(t, "m1", h.Unregister(alice))
	assert.Empty(t, h.Unregister(alice), "second unregister is a no-op")
	assert.Equal(t, 2, h.Len())

	// publishing to a room nobody is in is a no-op
	h.Publish("m1", "match_state", 4)
}

func TestHubDropsForSlowClients(t *testing.T) {
	h := NewHub()
	c := h.newClient(nil, "alice", "Alice")
	h.Register(c)
	h.Join(c, "m1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			h.Publish("m1", "match_state", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
	assert.Len(t, drain(c), sendBuffer)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(2 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.requests)
	rl.mu.Unlock()
}
