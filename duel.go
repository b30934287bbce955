// Duelbox Math Duel
//
// Two players share a room identified by a short code, sketch working on a
// scratchpad, and race to lock in answers to timed calculus questions. The
// server owns the whole match lifecycle: readiness gating, round sequencing
// with timers, answer evaluation, winner selection, and per-round
// statistics.
//
// Features:
// - WebSocket gateway at /duel/ws carrying all game events
// - Rooms of at most two humans, or one human versus a simulated bot
// - 5-char room codes from a non-ambiguous alphabet, collision-checked
// - Per-round lock/give-up with immediate lock notifications
// - Latency-based winner selection (first correct answer wins)
// - Full reveal and running win totals at every round end
// - End-of-match summary (wins, correct count, give-ups, latencies)
// - Opaque drawing and spectate-snapshot relay between multi players
// - In-browser QR button to share the join code, backed by go-qrcode
// - Idle rooms reaped after a configurable timeout

package main

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string          `json:"type"`               // event name
	Name     string          `json:"name,omitempty"`     // create/join
	Code     string          `json:"code,omitempty"`     // room code
	Ready    bool            `json:"ready,omitempty"`    // set_ready
	Answer   string          `json:"answer,omitempty"`   // lock_answer
	Settings json.RawMessage `json:"settings,omitempty"` // create
	Profile  json.RawMessage `json:"profile,omitempty"`  // create/join
	DrawType string          `json:"drawType,omitempty"` // draw_event
	Data     json.RawMessage `json:"data,omitempty"`     // draw_event payload
	To       string          `json:"to,omitempty"`       // spectate_state
	Img      string          `json:"img,omitempty"`      // spectate_state
}

// Messages sent to clients
type JoinedRoomMessage struct {
	Type   string       `json:"type"` // "joined_room"
	Code   string       `json:"code"`
	YouID  string       `json:"youId"`
	IsHost bool         `json:"isHost"`
	Room   RoomSnapshot `json:"room"`
}

// Sent to a single client when a join fails
type JoinErrorMessage struct {
	Type    string `json:"type"`    // "join_error"
	Message string `json:"message"` // user-facing text
}

type RoomUpdateMessage struct {
	Type string       `json:"type"` // "room_update"
	Room RoomSnapshot `json:"room"`
}

type MatchBeginMessage struct {
	Type        string           `json:"type"` // "match_begin"
	TotalRounds int              `json:"totalRounds"`
	Settings    RoomSettings     `json:"settings"`
	Players     []PlayerSnapshot `json:"players"`
}

type RoundStartMessage struct {
	Type        string `json:"type"` // "round_start"
	RoundIndex  int    `json:"roundIndex"`
	TotalRounds int    `json:"totalRounds"`
	DurationSec int    `json:"durationSec"`
	Question    string `json:"question"`
}

type LockUpdateMessage struct {
	Type     string `json:"type"` // "lock_update"
	PlayerID string `json:"playerId"`
	Locked   bool   `json:"locked"`
	Correct  bool   `json:"correct"`
	GaveUp   bool   `json:"gaveUp"`
}

type PlayerWins struct {
	ID   string `json:"id"`
	Wins int    `json:"wins"`
}

// Reveal is the full disclosure broadcast when a round concludes.
type Reveal struct {
	Answer string      `json:"answer"`
	Lines  []RoundLine `json:"lines"`
}

type RoundEndMessage struct {
	Type     string       `json:"type"` // "round_end"
	WinnerID string       `json:"winnerId"`
	Reason   string       `json:"reason"` // "locked" or "time"
	Winners  []PlayerWins `json:"winners"`
	Reveal   Reveal       `json:"reveal"`
}

type MatchEndMessage struct {
	Type     string          `json:"type"` // "match_end"
	WinnerID string          `json:"winnerId"`
	Winners  []PlayerWins    `json:"winners"`
	Summary  []PlayerSummary `json:"summary"`
}

type DrawEventMessage struct {
	Type     string          `json:"type"` // "draw_event"
	From     string          `json:"from"`
	DrawType string          `json:"drawType"`
	Data     json.RawMessage `json:"data"`
}

type SpectateRequestStateMessage struct {
	Type        string `json:"type"` // "spectate_request_state"
	RequesterID string `json:"requesterId"`
}

type SpectateStateMessage struct {
	Type string `json:"type"` // "spectate_state"
	Img  string `json:"img"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string

	// mu serializes sends against close: drop-and-close from a room
	// broadcast must never race a point-to-point send from another path.
	mu     sync.Mutex
	closed bool

	// drawLimiter throttles the scratchpad relay so one connection cannot
	// flood the room.
	drawLimiter *rate.Limiter

	// roomCode is this connection's current binding. Only the connection's
	// own readPump touches it.
	roomCode string
}

// trySend queues a message without blocking. It reports false when the
// channel is full or already closed; the caller decides whether that means
// dropping the client.
func (c *Client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// DuelServer routes connection events into registry and match calls. It
// never holds a room reference across events; every handler re-resolves by
// code.
type DuelServer struct {
	cfg *Config
	reg *Registry

	cmu     sync.Mutex
	clients map[string]*Client
}

func newDuelServer(cfg *Config) *DuelServer {
	return &DuelServer{
		cfg:     cfg,
		reg:     newRegistry(),
		clients: make(map[string]*Client),
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *DuelServer) handleCreate(c *Client, msg ClientMessage, mode string) {
	// A connection holds at most one room binding; moving on vacates the
	// old room so no ghost player is left occupying a slot.
	if c.roomCode != "" {
		s.handleLeave(c, c.roomCode)
	}

	room := s.reg.create(mode, c.id, strings.TrimSpace(msg.Name), coerceSettings(msg.Settings), coerceRank(msg.Profile))

	room.mu.Lock()
	defer room.mu.Unlock()

	room.clients[c] = true
	c.roomCode = room.Code

	c.trySend(JoinedRoomMessage{
		Type:   "joined_room",
		Code:   room.Code,
		YouID:  c.id,
		IsHost: true,
		Room:   room.snapshotLocked(),
	})
	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})

	logf(s.cfg, "ROOMS: Created %s room %s", mode, room.Code)
}

func (s *DuelServer) handleJoin(c *Client, msg ClientMessage) {
	room, err := s.reg.join(normalizeCode(msg.Code), c.id, strings.TrimSpace(msg.Name), coerceRank(msg.Profile))
	if err != nil {
		c.trySend(JoinErrorMessage{Type: "join_error", Message: err.Error()})
		return
	}

	// The failed-join path above leaves any existing binding intact.
	if c.roomCode != "" && c.roomCode != room.Code {
		s.handleLeave(c, c.roomCode)
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.clients[c] = true
	c.roomCode = room.Code

	c.trySend(JoinedRoomMessage{
		Type:   "joined_room",
		Code:   room.Code,
		YouID:  c.id,
		IsHost: false,
		Room:   room.snapshotLocked(),
	})
	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})

	logf(s.cfg, "ROOMS: Player joined room %s", room.Code)
}

func (s *DuelServer) handleReady(c *Client, msg ClientMessage) {
	room, ok := s.reg.find(normalizeCode(msg.Code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p := room.playerLocked(c.id)
	if p == nil {
		return
	}

	p.Ready = msg.Ready
	room.lastActive = time.Now()
	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})

	s.maybeStartMatchLocked(room)
}

func (s *DuelServer) handleLock(c *Client, msg ClientMessage) {
	room, ok := s.reg.find(normalizeCode(msg.Code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	s.lockAnswerLocked(room, c.id, msg.Answer)
}

func (s *DuelServer) handleGiveUp(c *Client, msg ClientMessage) {
	room, ok := s.reg.find(normalizeCode(msg.Code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	s.giveUpLocked(room, c.id)
}

func (s *DuelServer) handleLeave(c *Client, code string) {
	room, ok := s.reg.find(normalizeCode(code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	delete(room.clients, c)
	c.roomCode = ""
	s.removePlayerLocked(room, c.id)
}

// handleDraw relays scratchpad strokes between the two players of a live
// multiplayer room. Payloads are opaque; the server never inspects them.
func (s *DuelServer) handleDraw(c *Client, msg ClientMessage) {
	if !c.drawLimiter.Allow() {
		return
	}

	room, ok := s.reg.find(normalizeCode(msg.Code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.Match.started() || room.Mode != "multi" {
		return
	}

	relay := DrawEventMessage{
		Type:     "draw_event",
		From:     c.id,
		DrawType: msg.DrawType,
		Data:     msg.Data,
	}
	for client := range room.clients {
		if client == c {
			continue
		}
		if !client.trySend(relay) {
			delete(room.clients, client)
			client.closeSend()
		}
	}
}

func (s *DuelServer) handleSpectateRequest(c *Client, msg ClientMessage) {
	room, ok := s.reg.find(normalizeCode(msg.Code))
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.Match.started() || room.Mode != "multi" {
		return
	}

	relay := SpectateRequestStateMessage{
		Type:        "spectate_request_state",
		RequesterID: c.id,
	}
	for client := range room.clients {
		if client == c {
			continue
		}
		if !client.trySend(relay) {
			delete(room.clients, client)
			client.closeSend()
		}
	}
}

func (s *DuelServer) handleSpectateState(c *Client, msg ClientMessage) {
	if msg.To == "" || msg.Img == "" {
		return
	}

	s.cmu.Lock()
	target, ok := s.clients[msg.To]
	s.cmu.Unlock()
	if !ok {
		return
	}

	target.trySend(SpectateStateMessage{Type: "spectate_state", Img: msg.Img})
}

// disconnect sweeps every room for the departing connection. The roomCode
// binding alone is not enough: a room the client never explicitly left
// would otherwise keep a ghost player and a dead subscription.
func (s *DuelServer) disconnect(c *Client) {
	for _, room := range s.reg.all() {
		room.mu.Lock()
		_, subscribed := room.clients[c]
		if subscribed || room.playerLocked(c.id) != nil {
			delete(room.clients, c)
			s.removePlayerLocked(room, c.id)
		}
		room.mu.Unlock()
	}
	c.roomCode = ""
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWSForDuel(cfg *Config, s *DuelServer) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SERVE: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:        conn,
			send:        make(chan any, 32),
			id:          uuid.NewString(),
			drawLimiter: rate.NewLimiter(rate.Limit(60), 120),
		}

		s.cmu.Lock()
		s.clients[client.id] = client
		s.cmu.Unlock()

		go client.writePump()
		client.readPump(s)
	}
}

func (c *Client) readPump(s *DuelServer) {
	defer func() {
		s.disconnect(c)

		s.cmu.Lock()
		delete(s.clients, c.id)
		s.cmu.Unlock()

		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create_room":
			s.handleCreate(c, msg, "multi")
		case "create_bot_room":
			s.handleCreate(c, msg, "bot")
		case "join_room":
			s.handleJoin(c, msg)
		case "set_ready":
			s.handleReady(c, msg)
		case "lock_answer":
			s.handleLock(c, msg)
		case "give_up":
			s.handleGiveUp(c, msg)
		case "leave_room":
			s.handleLeave(c, msg.Code)
		case "draw_event":
			s.handleDraw(c, msg)
		case "spectate_request":
			s.handleSpectateRequest(c, msg)
		case "spectate_state":
			s.handleSpectateState(c, msg)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the join URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeCode(ps.ByName("code"))
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/duel?code=" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed duel/index.html
var indexHTML []byte

//go:embed duel/app.css
var duelCSS []byte

//go:embed duel/app.js
var duelJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(duelCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(duelJS)
	}
}

// registerDuelGame sets up routes so that:
//   - $path              → HTML client
//   - $path/ws           → WebSocket gateway
//   - $path/qr/:code     → PNG QR code linking to the join URL
func registerDuelGame(cfg *Config, path string, mux *httprouter.Router) {
	s := newDuelServer(cfg)

	if cfg.sessionTimeout > 0 {
		go s.reg.reaperLoop(cfg, cfg.sessionTimeout)
	}

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no room code in route)
	mux.GET(cfg.prefix+"/assets/duel/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/duel/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWSForDuel(cfg, s))

	mux.GET(cfg.prefix+path+"/qr/:code", qrHandler(cfg))
}
