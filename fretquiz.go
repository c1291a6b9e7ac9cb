// Fretquiz
//
// Players join a game and are shown a note. Everyone races to find that
// note on the fretboard; the first correct answer wins the round. The host
// starts the game and advances rounds until the round limit is reached.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - The player who creates a game hosts it; hosting passes on if they leave
// - Players identified by a signed cookie, so reconnects keep their seat
// - Disconnected players get a grace period before they leave the game
// - Slow connections are dropped rather than stalling the room
// - Game history written to sqlite in the background
// - Games ended after a configurable idle timeout
// - In-browser QR button to share the current game, backed by go-qrcode

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/fretquiz/games"
	"github.com/Seednode/fretquiz/store"
	"github.com/Seednode/fretquiz/theory"
)

const (
	maxMessageSize = 1024
	writeWait      = 10 * time.Second
)

// Client is one websocket connection. A player may have several.
type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

// Room fans a game's changes out to its connections. Every session operation
// goes through the room lock, so all clients see changes in the order the
// session applied them.
type Room struct {
	id      string
	session *games.Session
	manager *RoomManager

	mu      sync.Mutex
	clients map[*Client]bool
	leaving map[string]*time.Timer
	expired bool
}

func newRoom(m *RoomManager, s *games.Session) *Room {
	return &Room{
		id:      s.ID(),
		session: s,
		manager: m,
		clients: make(map[*Client]bool),
		leaving: make(map[string]*time.Timer),
	}
}

// apply runs op against the session and publishes what it changed.
func (r *Room) apply(initiator string, op func(*games.Session) (games.Delta, error)) (games.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := op(r.session)
	if err != nil {
		return d, err
	}

	r.publishLocked(d, initiator)

	return d, nil
}

func (r *Room) publishLocked(d games.Delta, initiator string) {
	if d.Empty() {
		return
	}

	r.manager.recorder.RecordDelta(d, initiator)

	dropped := r.deliverLocked(nil, deltaMessages(d, r.session.Snapshot())...)

	if d.StatusChanged && d.Status.Terminal() {
		r.finishLocked(d.Status)
	}

	for _, playerID := range dropped {
		r.departLocked(playerID)
	}
}

// deliverLocked queues msgs for every client accepted by to, or every client
// if to is nil. Clients whose queue is full are detached; the players left
// without a connection as a result are returned.
func (r *Room) deliverLocked(to func(*Client) bool, msgs ...any) []string {
	var dropped []string

	for c := range r.clients {
		if to != nil && !to(c) {
			continue
		}

		for _, msg := range msgs {
			select {
			case c.send <- msg:
				r.manager.metrics.IncrementMessagesSent()
				continue
			default:
			}

			r.manager.log.Warn().
				Str("game", r.id).
				Str("player", c.playerID).
				Msg("send queue full, dropping connection")
			r.manager.metrics.IncrementDropped()

			if r.detachLocked(c) {
				dropped = append(dropped, c.playerID)
			}
			break
		}
	}

	return dropped
}

func (r *Room) replyLocked(c *Client, msgs ...any) {
	dropped := r.deliverLocked(func(other *Client) bool { return other == c }, msgs...)
	for _, playerID := range dropped {
		r.departLocked(playerID)
	}
}

func (r *Room) hasPlayerLocked(playerID string) bool {
	for c := range r.clients {
		if c.playerID == playerID {
			return true
		}
	}
	return false
}

// detachLocked removes c and reports whether it was its player's last
// connection.
func (r *Room) detachLocked(c *Client) bool {
	if !r.clients[c] {
		return false
	}

	delete(r.clients, c)
	close(c.send)
	r.manager.metrics.DecrementConnections()

	return !r.hasPlayerLocked(c.playerID)
}

// departLocked makes a player with no connections leave the game, after the
// reconnect grace period if one is configured.
func (r *Room) departLocked(playerID string) {
	if r.hasPlayerLocked(playerID) || !r.session.IsMember(playerID) {
		return
	}

	if grace := r.manager.cfg.playerTimeout; grace > 0 && !r.expired {
		if _, pending := r.leaving[playerID]; !pending {
			r.leaving[playerID] = time.AfterFunc(grace, func() {
				r.expirePlayer(playerID)
			})
		}
		return
	}

	d, err := r.session.Leave(playerID)
	if err != nil {
		return
	}

	r.manager.log.Debug().Str("game", r.id).Str("player", playerID).Msg("player left")

	r.publishLocked(d, playerID)
}

func (r *Room) expirePlayer(playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, pending := r.leaving[playerID]; !pending {
		return
	}
	delete(r.leaving, playerID)

	if r.hasPlayerLocked(playerID) {
		return
	}

	d, err := r.session.Leave(playerID)
	if err != nil {
		return
	}

	r.manager.log.Debug().Str("game", r.id).Str("player", playerID).Msg("player timed out")

	r.publishLocked(d, playerID)
}

// finishLocked schedules eviction once the game's history is written.
func (r *Room) finishLocked(status games.Status) {
	r.manager.metrics.IncrementGamesFinished()

	r.manager.log.Info().Str("game", r.id).Stringer("status", status).Msg("game finished")

	r.manager.recorder.AfterPending(r.id, func() {
		r.manager.evict(r)
	})
}

// attach adds c to the room, joining its player to the game if needed.
func (r *Room) attach(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expired {
		return fmt.Errorf("%w: %s", games.ErrGameNotFound, r.id)
	}

	d, err := r.session.Join(c.playerID)
	if err != nil {
		return err
	}

	if t, pending := r.leaving[c.playerID]; pending {
		t.Stop()
		delete(r.leaving, c.playerID)
	}

	r.clients[c] = true
	r.manager.metrics.IncrementConnections()

	r.replyLocked(c, WelcomeMessage{
		Type:     "welcome",
		GameID:   r.id,
		PlayerID: c.playerID,
	})

	if d.Empty() {
		r.replyLocked(c, newStateMessage(r.session.Snapshot()))
		return nil
	}

	r.manager.log.Debug().Str("game", r.id).Str("player", c.playerID).Msg("player joined")

	r.publishLocked(d, c.playerID)

	return nil
}

func (r *Room) detach(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detachLocked(c) {
		r.departLocked(c.playerID)
	}
}

// notify sends msg to every connection belonging to playerID.
func (r *Room) notify(playerID string, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := r.deliverLocked(func(c *Client) bool { return c.playerID == playerID }, msg)
	for _, id := range dropped {
		r.departLocked(id)
	}
}

// expire ends an idle game: connections are closed and every member leaves.
func (r *Room) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expired {
		return
	}
	r.expired = true

	r.deliverLocked(nil, NoticeMessage{
		Type:    "notice",
		Code:    "expired",
		Message: "This game has been closed due to inactivity.",
	})

	for c := range r.clients {
		r.detachLocked(c)
	}

	for playerID, t := range r.leaving {
		t.Stop()
		delete(r.leaving, playerID)
	}

	for _, playerID := range r.session.Snapshot().PlayerIDs {
		d, err := r.session.Leave(playerID)
		if err != nil {
			continue
		}
		r.publishLocked(d, playerID)
	}
}

func (r *Room) handle(c *Client, msg ClientMessage) {
	var op func(*games.Session) (games.Delta, error)

	switch msg.Type {
	case "join":
		op = func(s *games.Session) (games.Delta, error) {
			return s.Join(c.playerID)
		}
	case "guess":
		if msg.String == nil || msg.Fret == nil {
			r.reply(c, newErrorMessage(fmt.Errorf("%w: guess needs string and fret", errBadRequest)))
			return
		}
		coord := theory.FretCoord{String: *msg.String, Fret: *msg.Fret}
		op = func(s *games.Session) (games.Delta, error) {
			return s.SubmitGuess(c.playerID, coord)
		}
	case "start_game":
		op = func(s *games.Session) (games.Delta, error) {
			return s.Start(c.playerID)
		}
	case "advance_round":
		op = func(s *games.Session) (games.Delta, error) {
			return s.Advance(c.playerID)
		}
	default:
		r.reply(c, newErrorMessage(fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type)))
		return
	}

	if _, err := r.apply(c.playerID, op); err != nil {
		r.manager.log.Debug().Err(err).
			Str("game", r.id).
			Str("player", c.playerID).
			Str("type", msg.Type).
			Msg("rejected")

		r.reply(c, newErrorMessage(err))
	}
}

func (r *Room) reply(c *Client, msgs ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.replyLocked(c, msgs...)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomManager ties the game registry to connected rooms and to the history
// recorder.
type RoomManager struct {
	cfg      *Config
	log      zerolog.Logger
	registry *games.Registry
	gateway  store.Gateway
	recorder *store.Recorder
	metrics  *Metrics
	options  []games.Option

	mu    sync.Mutex
	rooms map[string]*Room
}

func newRoomManager(cfg *Config, gw store.Gateway, metrics *Metrics, options ...games.Option) *RoomManager {
	m := &RoomManager{
		cfg:      cfg,
		log:      cfg.logger,
		registry: games.NewRegistry(cfg.logger),
		gateway:  gw,
		metrics:  metrics,
		options:  append([]games.Option{games.WithLogger(cfg.logger)}, options...),
		rooms:    make(map[string]*Room),
	}

	m.recorder = store.NewRecorder(gw,
		store.WithRetry(cfg.persistAttempts, cfg.persistBackoff),
		store.WithRecorderLogger(cfg.logger),
		store.WithFailureHandler(m.persistenceFailed),
	)

	return m
}

func (m *RoomManager) persistenceFailed(f store.Failure) {
	m.metrics.IncrementPersistenceFailures()

	if f.PlayerID == "" {
		return
	}

	m.mu.Lock()
	r, ok := m.rooms[f.GameID]
	m.mu.Unlock()
	if !ok {
		return
	}

	r.notify(f.PlayerID, NoticeMessage{
		Type:    "notice",
		Code:    "persistence_degraded",
		Message: "Your last move counted, but could not be saved to the game history.",
	})
}

func (m *RoomManager) roomFor(s *games.Session) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rooms[s.ID()]
	if ok && old.session == s {
		return old
	}

	r := newRoom(m, s)
	m.rooms[s.ID()] = r
	if !ok {
		m.metrics.IncrementRooms()
	}

	return r
}

// create starts a new game hosted by hostID.
func (m *RoomManager) create(hostID string, opts games.Opts) (*Room, error) {
	s, err := m.registry.Create(hostID, opts, m.options...)
	if err != nil {
		return nil, err
	}

	m.recorder.RecordGame(s.Snapshot())
	m.metrics.IncrementGamesCreated()

	return m.roomFor(s), nil
}

// room returns the live room for id, restoring an unfinished game from
// history if it is no longer in memory.
func (m *RoomManager) room(ctx context.Context, id string) (*Room, error) {
	s, err := m.registry.Get(id)
	if errors.Is(err, games.ErrGameNotFound) {
		s, err = m.restore(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	return m.roomFor(s), nil
}

func (m *RoomManager) restore(ctx context.Context, id string) (*games.Session, error) {
	g, err := m.gateway.LoadGame(ctx, id)
	if err != nil {
		return nil, err
	}

	s, created, err := m.registry.GetOrCreate(id, func(string) (*games.Session, error) {
		return games.Restore(g, m.options...)
	})
	if errors.Is(err, games.ErrInvalidState) {
		return nil, fmt.Errorf("%w: %w", games.ErrGameNotFound, err)
	}
	if err != nil {
		return nil, err
	}

	if created {
		m.log.Info().Str("game", id).Stringer("status", s.Status()).Msg("game restored from history")
	}

	return s, nil
}

// evict forgets a finished room.
func (m *RoomManager) evict(r *Room) {
	m.registry.Evict(r.id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
		m.metrics.DecrementRooms()
	}
}

// reap ends every game idle since before cutoff.
func (m *RoomManager) reap(cutoff time.Time) {
	for _, s := range m.registry.Idle(cutoff) {
		m.log.Info().Str("game", s.ID()).Msg("ending idle game")

		r := m.roomFor(s)
		r.expire()

		if s.Status().Terminal() {
			m.recorder.AfterPending(s.ID(), func() {
				m.evict(r)
			})
			continue
		}

		// No members were left to leave, so nothing moved it to NoPlayers.
		m.registry.Remove(s.ID())
		m.evict(r)
	}
}

// reaperLoop periodically ends games that have been idle longer than the
// session timeout.
func (m *RoomManager) reaperLoop(ctx context.Context) {
	idle := m.cfg.sessionTimeout
	if idle <= 0 {
		return
	}

	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(time.Now().Add(-idle))
		}
	}
}

func (m *RoomManager) Close(ctx context.Context) error {
	return m.recorder.Close(ctx)
}

// WebSocket handler that picks the room based on :gameid
func serveWS(cfg *Config, m *RoomManager, id *identity) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")

		playerID, err := id.playerID(w, r)
		if err != nil {
			m.log.Error().Err(err).Msg("unable to assign player id")
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		room, err := m.room(r.Context(), gameID)
		if err != nil {
			code, status := errorCode(err)
			http.Error(w, code, status)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Debug().Err(err).Str("remote", realIP(r)).Msg("upgrade failed")
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, cfg.sendBuffer),
			playerID: playerID,
		}

		if err := room.attach(client); err != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(newErrorMessage(err))
			_ = conn.Close()
			return
		}

		m.log.Debug().Str("game", gameID).Str("player", playerID).Str("remote", realIP(r)).Msg("connected")

		go client.writePump()
		client.readPump(room)
	}
}

func (c *Client) readPump(r *Room) {
	defer func() {
		r.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		r.manager.metrics.IncrementMessagesReceived()
		r.handle(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320
		png, err := qrcode.Encode(scheme+"://"+r.Host+path, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		securityHeaders(cfg, w)

		_, _ = w.Write(png)
	}
}

func serveGamePage(cfg *Config, id *identity) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if _, err := id.playerID(w, r); err != nil {
			cfg.logger.Error().Err(err).Msg("unable to assign player id")
		}

		serveAsset(cfg, w, r, "assets/fretquiz/index.html")
	}
}

func serveState(cfg *Config, m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		room, err := m.room(r.Context(), ps.ByName("gameid"))
		if err != nil {
			writeJSON(cfg, w, statusOf(err), newErrorMessage(err))
			return
		}

		writeJSON(cfg, w, http.StatusOK, room.session.Snapshot())
	}
}

func statusOf(err error) int {
	_, status := errorCode(err)
	return status
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", games.ErrInvalidOpts, name)
	}
	return n, nil
}

func optsFromQuery(cfg *Config, r *http.Request) (games.Opts, error) {
	opts := cfg.defaultOpts()

	var err error
	if opts.NumRounds, err = intParam(r, "rounds", opts.NumRounds); err != nil {
		return opts, err
	}
	if opts.StartFret, err = intParam(r, "start_fret", opts.StartFret); err != nil {
		return opts, err
	}
	if opts.EndFret, err = intParam(r, "end_fret", opts.EndFret); err != nil {
		return opts, err
	}

	return opts, opts.Validate()
}

// redirectNewGame handles GET /path by creating a game hosted by the caller
// and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, m *RoomManager, id *identity) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		hostID, err := id.playerID(w, r)
		if err != nil {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		opts, err := optsFromQuery(cfg, r)
		if err == nil {
			var room *Room
			room, err = m.create(hostID, opts)
			if err == nil {
				m.log.Debug().
					Str("game", room.id).
					Int("rounds", opts.NumRounds).
					Int("start_fret", opts.StartFret).
					Int("end_fret", opts.EndFret).
					Str("remote", realIP(r)).
					Msg("redirecting to new game")

				http.Redirect(w, r, cfg.prefix+path+"/"+room.id, http.StatusSeeOther)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(statusOf(err))

		_, _ = w.Write([]byte(newPage("Invalid Game", "Unable to create game: "+err.Error())))
	}
}

// registerFretquiz sets up routes so that:
//   - $path                  → creates a game and redirects to it
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
//   - $path/:gameid/state    → JSON snapshot of that game
func registerFretquiz(cfg *Config, path string, mux *httprouter.Router, m *RoomManager, id *identity) {
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, m, id))
	mux.GET(cfg.prefix+path+"/:gameid", serveGamePage(cfg, id))
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWS(cfg, m, id))
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))
	mux.GET(cfg.prefix+path+"/:gameid/state", serveState(cfg, m))
}
