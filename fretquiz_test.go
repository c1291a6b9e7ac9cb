package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/fretquiz/games"
	"github.com/Seednode/fretquiz/store"
	"github.com/Seednode/fretquiz/theory"
)

func testConfig() *Config {
	return &Config{
		port:            8080,
		sendBuffer:      8,
		persistAttempts: 1,
		persistBackoff:  time.Millisecond,
		rounds:          4,
		startFret:       0,
		endFret:         4,
		secret:          "test-secret",
		logger:          zerolog.Nop(),
	}
}

func newTestManager(t *testing.T, cfg *Config, gw store.Gateway) *RoomManager {
	t.Helper()

	m := newRoomManager(cfg, gw, NewMetrics(), games.WithRand(rand.New(rand.NewPCG(1, 2))))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	return m
}

func newTestClient(playerID string, buffer int) *Client {
	return &Client{
		send:     make(chan any, buffer),
		playerID: playerID,
	}
}

func msgType(msg any) string {
	switch m := msg.(type) {
	case WelcomeMessage:
		return m.Type
	case StateMessage:
		return m.Type
	case GuessResultMessage:
		return m.Type
	case RoundClosedMessage:
		return m.Type
	case GameOverMessage:
		return m.Type
	case ErrorMessage:
		return m.Type
	case NoticeMessage:
		return m.Type
	default:
		return ""
	}
}

// drain returns every message queued for c, and whether its queue was closed.
func drain(c *Client) ([]any, bool) {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out, true
			}
			out = append(out, msg)
		default:
			return out, false
		}
	}
}

func types(msgs []any) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msgType(msg)
	}
	return out
}

func lastState(t *testing.T, msgs []any) StateMessage {
	t.Helper()

	for i := len(msgs) - 1; i >= 0; i-- {
		if s, ok := msgs[i].(StateMessage); ok {
			return s
		}
	}
	t.Fatal("no state message")
	return StateMessage{}
}

func correctCoord(t *testing.T, r *Room) theory.FretCoord {
	t.Helper()

	g := r.session.Snapshot()
	round := g.CurrentRound()
	require.NotNil(t, round)

	positions := theory.StandardTuning.Positions(round.Note.MIDI(), g.Opts.StartFret, g.Opts.EndFret)
	require.NotEmpty(t, positions)
	return positions[0]
}

func wrongCoord(t *testing.T, r *Room) theory.FretCoord {
	t.Helper()

	g := r.session.Snapshot()
	target := g.CurrentRound().Note
	for s := range theory.StandardTuning {
		for f := g.Opts.StartFret; f <= g.Opts.EndFret; f++ {
			c := theory.FretCoord{String: s, Fret: f}
			if !games.IsCorrect(target, c, theory.StandardTuning) {
				return c
			}
		}
	}
	t.Fatal("every position is correct")
	return theory.FretCoord{}
}

func guessMsg(c theory.FretCoord) ClientMessage {
	return ClientMessage{Type: "guess", String: &c.String, Fret: &c.Fret}
}

// seatedRoom creates a game hosted by "host" with "p1" joined, both attached.
func seatedRoom(t *testing.T, m *RoomManager, opts games.Opts) (*Room, *Client, *Client) {
	t.Helper()

	r, err := m.create("host", opts)
	require.NoError(t, err)

	host := newTestClient("host", 8)
	p1 := newTestClient("p1", 8)
	require.NoError(t, r.attach(host))
	require.NoError(t, r.attach(p1))

	drain(host)
	drain(p1)

	return r, host, p1
}

func TestAttachJoinsAndBroadcasts(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())

	r, err := m.create("host", games.DefaultOpts())
	require.NoError(t, err)

	host := newTestClient("host", 8)
	require.NoError(t, r.attach(host))

	msgs, _ := drain(host)
	assert.Equal(t, []string{"welcome", "state"}, types(msgs))
	assert.Equal(t, "host", msgs[0].(WelcomeMessage).PlayerID)

	p1 := newTestClient("p1", 8)
	require.NoError(t, r.attach(p1))

	msgs, _ = drain(p1)
	assert.Equal(t, []string{"welcome", "state"}, types(msgs))
	assert.Equal(t, []string{"host", "p1"}, lastState(t, msgs).Players)

	msgs, _ = drain(host)
	assert.Equal(t, []string{"state"}, types(msgs))
	assert.Equal(t, []string{"host", "p1"}, lastState(t, msgs).Players)

	assert.Equal(t, int64(2), m.metrics.Snapshot().ActiveConnections)
}

func TestSecondConnectionForSamePlayer(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, _ := seatedRoom(t, m, games.DefaultOpts())

	tab := newTestClient("p1", 8)
	require.NoError(t, r.attach(tab))

	msgs, _ := drain(tab)
	assert.Equal(t, []string{"welcome", "state"}, types(msgs))

	msgs, _ = drain(host)
	assert.Empty(t, msgs, "no change to announce")
}

func TestRoundFanOut(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, p1 := seatedRoom(t, m, games.Opts{NumRounds: 1, StartFret: 0, EndFret: 4})

	r.handle(host, ClientMessage{Type: "start_game"})

	for _, c := range []*Client{host, p1} {
		msgs, _ := drain(c)
		require.Equal(t, []string{"state"}, types(msgs))
		state := msgs[0].(StateMessage)
		assert.Equal(t, games.StatusPlaying, state.Status)
		assert.Equal(t, 1, state.RoundNumber)
		require.NotNil(t, state.Round)
	}

	r.handle(host, guessMsg(wrongCoord(t, r)))

	msgs, _ := drain(p1)
	assert.Equal(t, []string{"guess_result", "state"}, types(msgs))
	assert.False(t, msgs[0].(GuessResultMessage).Correct)
	drain(host)

	r.handle(p1, guessMsg(correctCoord(t, r)))

	for _, c := range []*Client{host, p1} {
		msgs, _ := drain(c)
		require.Equal(t, []string{"guess_result", "round_closed", "state"}, types(msgs))
		assert.True(t, msgs[0].(GuessResultMessage).Correct)
		assert.Equal(t, "p1", msgs[1].(RoundClosedMessage).Winner)
		assert.Equal(t, games.StatusRoundOver, msgs[2].(StateMessage).Status)
	}

	r.handle(host, ClientMessage{Type: "advance_round"})

	for _, c := range []*Client{host, p1} {
		msgs, _ := drain(c)
		require.Equal(t, []string{"state", "game_over"}, types(msgs))
		over := msgs[1].(GameOverMessage)
		assert.Equal(t, games.StatusGameOver, over.State.Status)
		require.Len(t, over.State.Rounds, 1)
		assert.Equal(t, "p1", over.State.Rounds[0].WinnerID)
	}

	assert.Eventually(t, func() bool {
		return m.registry.Len() == 0
	}, time.Second, 5*time.Millisecond, "finished game evicted")
}

func TestErrorsGoOnlyToSender(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, p1 := seatedRoom(t, m, games.DefaultOpts())

	tests := []struct {
		name string
		msg  ClientMessage
		code string
	}{
		{"start by guest", ClientMessage{Type: "start_game"}, "unauthorized"},
		{"guess before start", guessMsg(theory.FretCoord{String: 0, Fret: 0}), "invalid_state"},
		{"guess without coordinates", ClientMessage{Type: "guess"}, "bad_request"},
		{"unknown type", ClientMessage{Type: "dance"}, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.handle(p1, tt.msg)

			msgs, _ := drain(p1)
			require.Equal(t, []string{"error"}, types(msgs))
			assert.Equal(t, tt.code, msgs[0].(ErrorMessage).Code)

			msgs, _ = drain(host)
			assert.Empty(t, msgs)
		})
	}

	r.handle(host, ClientMessage{Type: "start_game"})
	drain(host)
	drain(p1)

	c := wrongCoord(t, r)
	r.handle(p1, guessMsg(c))
	drain(p1)
	r.handle(p1, guessMsg(c))

	msgs, _ := drain(p1)
	require.Equal(t, []string{"error"}, types(msgs))
	assert.Equal(t, "duplicate_guess", msgs[0].(ErrorMessage).Code)

	r.handle(p1, guessMsg(theory.FretCoord{String: 0, Fret: 12}))

	msgs, _ = drain(p1)
	require.Equal(t, []string{"error"}, types(msgs))
	assert.Equal(t, "coord_out_of_range", msgs[0].(ErrorMessage).Code)
}

func TestAttachAfterStartRejected(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, _ := seatedRoom(t, m, games.DefaultOpts())

	r.handle(host, ClientMessage{Type: "start_game"})
	drain(host)

	late := newTestClient("late", 8)
	err := r.attach(late)
	assert.ErrorIs(t, err, games.ErrGameAlreadyStarted)
	assert.False(t, r.session.IsMember("late"))

	msgs, _ := drain(host)
	assert.Empty(t, msgs)
}

func TestSlowClientDropped(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())

	r, err := m.create("host", games.DefaultOpts())
	require.NoError(t, err)

	host := newTestClient("host", 8)
	require.NoError(t, r.attach(host))
	drain(host)

	// Room for the welcome and the join broadcast, nothing more.
	slow := newTestClient("p1", 2)
	require.NoError(t, r.attach(slow))
	drain(host)

	r.handle(host, ClientMessage{Type: "start_game"})

	msgs, closed := drain(slow)
	assert.True(t, closed, "slow client detached")
	assert.Equal(t, []string{"welcome", "state"}, types(msgs))

	msgs, closed = drain(host)
	assert.False(t, closed)
	require.Equal(t, []string{"state", "state"}, types(msgs))
	assert.Equal(t, games.StatusPlaying, msgs[1].(StateMessage).Status)
	assert.Equal(t, []string{"host"}, msgs[1].(StateMessage).Players)

	assert.False(t, r.session.IsMember("p1"))
	assert.Equal(t, int64(1), m.metrics.Snapshot().DroppedClients)
	assert.Equal(t, int64(1), m.metrics.Snapshot().ActiveConnections)
}

func TestDetachWithGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.playerTimeout = 50 * time.Millisecond

	m := newTestManager(t, cfg, store.NewMemory())
	r, host, p1 := seatedRoom(t, m, games.DefaultOpts())

	r.detach(p1)
	assert.True(t, r.session.IsMember("p1"), "seat held during grace period")

	back := newTestClient("p1", 8)
	require.NoError(t, r.attach(back))

	time.Sleep(2 * cfg.playerTimeout)
	assert.True(t, r.session.IsMember("p1"), "reconnect cancels departure")

	r.detach(back)

	assert.Eventually(t, func() bool {
		return !r.session.IsMember("p1")
	}, time.Second, 5*time.Millisecond)

	msgs, _ := drain(host)
	assert.Equal(t, []string{"host"}, lastState(t, msgs).Players)
}

func TestHostDisconnectHandsOff(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, p1 := seatedRoom(t, m, games.DefaultOpts())

	r.detach(host)

	msgs, _ := drain(p1)
	state := lastState(t, msgs)
	assert.Equal(t, "p1", state.HostID)
	assert.Equal(t, []string{"p1"}, state.Players)

	r.detach(p1)

	assert.Equal(t, games.StatusNoPlayers, r.session.Status())
	assert.Eventually(t, func() bool {
		return m.registry.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFinishedGameOutlivesItsPlayers(t *testing.T) {
	mem := store.NewMemory()
	m := newRoomManager(testConfig(), mem, NewMetrics())
	r, host, p1 := seatedRoom(t, m, games.Opts{NumRounds: 1, StartFret: 0, EndFret: 4})

	r.handle(host, ClientMessage{Type: "start_game"})
	r.handle(p1, guessMsg(correctCoord(t, r)))
	r.handle(host, ClientMessage{Type: "advance_round"})
	require.Equal(t, games.StatusGameOver, r.session.Status())

	r.detach(host)
	r.detach(p1)

	assert.Equal(t, games.StatusGameOver, r.session.Status())
	assert.Empty(t, r.session.Snapshot().PlayerIDs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	g, err := mem.LoadGame(context.Background(), r.id)
	require.NoError(t, err)
	assert.Equal(t, games.StatusGameOver, g.Status)
	assert.Equal(t, int64(1), m.metrics.Snapshot().GamesFinished)
}

func TestReapEndsIdleGames(t *testing.T) {
	mem := store.NewMemory()
	m := newTestManager(t, testConfig(), mem)
	r, host, p1 := seatedRoom(t, m, games.DefaultOpts())

	m.reap(time.Now().Add(time.Hour))

	for _, c := range []*Client{host, p1} {
		msgs, closed := drain(c)
		assert.True(t, closed)
		require.Len(t, msgs, 1)
		assert.Equal(t, "expired", msgs[0].(NoticeMessage).Code)
	}

	assert.Equal(t, games.StatusNoPlayers, r.session.Status())

	assert.Eventually(t, func() bool {
		g, err := mem.LoadGame(context.Background(), r.id)
		return err == nil && g.Status == games.StatusNoPlayers && m.registry.Len() == 0
	}, time.Second, 5*time.Millisecond)

	_, err := m.room(context.Background(), r.id)
	assert.ErrorIs(t, err, games.ErrGameNotFound)
}

func TestReapLeavesActiveGames(t *testing.T) {
	m := newTestManager(t, testConfig(), store.NewMemory())
	r, host, _ := seatedRoom(t, m, games.DefaultOpts())

	m.reap(time.Now().Add(-time.Hour))

	msgs, closed := drain(host)
	assert.Empty(t, msgs)
	assert.False(t, closed)
	assert.Equal(t, games.StatusInit, r.session.Status())
}

func TestRoomRestoredFromHistory(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig()

	first := newRoomManager(cfg, mem, NewMetrics())
	r, host, _ := seatedRoom(t, first, games.DefaultOpts())
	r.handle(host, ClientMessage{Type: "start_game"})
	snap := r.session.Snapshot()
	note := snap.CurrentRound().Note

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(ctx))

	second := newTestManager(t, cfg, mem)

	restored, err := second.room(context.Background(), r.id)
	require.NoError(t, err)

	g := restored.session.Snapshot()
	assert.Equal(t, games.StatusRoundOver, g.Status)
	assert.Equal(t, []string{"host", "p1"}, g.PlayerIDs)
	assert.Equal(t, note, g.CurrentRound().Note)

	again, err := second.room(context.Background(), r.id)
	require.NoError(t, err)
	assert.Same(t, restored, again)

	_, err = second.room(context.Background(), "missing1")
	assert.ErrorIs(t, err, games.ErrGameNotFound)
}

// guessFailingGateway stores everything except guesses.
type guessFailingGateway struct {
	*store.Memory
}

func (g guessFailingGateway) AppendGuess(context.Context, string, games.Guess) (string, error) {
	return "", errors.New("read-only filesystem")
}

func TestPersistenceFailureNotifiesPlayer(t *testing.T) {
	m := newTestManager(t, testConfig(), guessFailingGateway{Memory: store.NewMemory()})
	r, host, p1 := seatedRoom(t, m, games.DefaultOpts())

	r.handle(host, ClientMessage{Type: "start_game"})
	drain(p1)

	r.handle(p1, guessMsg(wrongCoord(t, r)))

	var notice NoticeMessage
	assert.Eventually(t, func() bool {
		msgs, _ := drain(p1)
		for _, msg := range msgs {
			if n, ok := msg.(NoticeMessage); ok {
				notice = n
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "persistence_degraded", notice.Code)
	snap := r.session.Snapshot()
	assert.Len(t, snap.CurrentRound().Guesses, 1, "guess still counts")
	assert.Equal(t, int64(1), m.metrics.Snapshot().PersistenceFailures)

	for _, msg := range func() []any { msgs, _ := drain(host); return msgs }() {
		assert.NotEqual(t, "notice", msgType(msg))
	}
}

func TestOptsFromQuery(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name  string
		query string
		want  games.Opts
		err   bool
	}{
		{"defaults", "", games.Opts{NumRounds: 4, StartFret: 0, EndFret: 4}, false},
		{"custom", "rounds=2&start_fret=5&end_fret=9", games.Opts{NumRounds: 2, StartFret: 5, EndFret: 9}, false},
		{"not a number", "rounds=many", games.Opts{}, true},
		{"inverted frets", "start_fret=7&end_fret=3", games.Opts{}, true},
		{"no rounds", "rounds=0", games.Opts{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/fretquiz?"+tt.query, nil)

			got, err := optsFromQuery(cfg, r)
			if tt.err {
				assert.ErrorIs(t, err, games.ErrInvalidOpts)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebsocketGame(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(t, cfg, store.NewMemory())

	id, err := newIdentity(cfg)
	require.NoError(t, err)

	mux := httprouter.New()
	registerFretquiz(cfg, "/fretquiz", mux, m, id)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/fretquiz?rounds=1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	gamePath := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(gamePath, "/fretquiz/"))

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	header := http.Header{}
	for _, c := range jar.Cookies(base) {
		header.Add("Cookie", c.String())
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + gamePath + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var welcome WelcomeMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome.Type)

	var state StateMessage
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "state", state.Type)
	assert.Equal(t, welcome.PlayerID, state.HostID, "creator hosts the game")
	assert.Equal(t, games.StatusInit, state.Status)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "start_game"}))
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, games.StatusPlaying, state.Status)
	require.NotNil(t, state.Round)

	resp, err = client.Get(srv.URL + gamePath + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/fretquiz/nosuchgm/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn2, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn2 != nil {
		conn2.Close()
	}
	require.NoError(t, err, "stranger may connect but cannot join")
	resp.Body.Close()
}
