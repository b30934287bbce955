/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Visually ambiguous characters (I, O, 0, 1) are excluded so codes survive
// being read aloud or typed from a phone.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLength = 5

const (
	defaultDiff           = "easy"
	defaultDurationSec    = 90
	defaultQuestionsTotal = 5
	defaultPenWidth       = 3
)

type RoomSettings struct {
	Diff           string `json:"diff"`
	DurationSec    int    `json:"durationSec"`
	QuestionsTotal int    `json:"questionsTotal"`
	PenWidth       int    `json:"penWidth"`
}

// coerceSettings accepts whatever the client sent and falls back to defaults
// field by field. Settings are never a reason to reject a room.
func coerceSettings(raw json.RawMessage) RoomSettings {
	settings := RoomSettings{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &settings)
	}

	switch settings.Diff {
	case "easy", "medium", "hard":
	default:
		settings.Diff = defaultDiff
	}
	if settings.DurationSec <= 0 {
		settings.DurationSec = defaultDurationSec
	}
	if settings.QuestionsTotal <= 0 {
		settings.QuestionsTotal = defaultQuestionsTotal
	}
	if settings.PenWidth <= 0 {
		settings.PenWidth = defaultPenWidth
	}

	return settings
}

type RankProfile struct {
	Elo   float64 `json:"elo"`
	Label string  `json:"label"`
	CSS   string  `json:"css"`
}

const rankFieldLimit = 32

func coerceRank(raw json.RawMessage) RankProfile {
	rank := RankProfile{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rank)
	}

	if rank.Elo <= 0 {
		rank.Elo = 800
	}
	if rank.Label == "" {
		rank.Label = "Bronze III"
	} else if runes := []rune(rank.Label); len(runes) > rankFieldLimit {
		rank.Label = string(runes[:rankFieldLimit])
	}
	if rank.CSS == "" {
		rank.CSS = "badge-bronze"
	} else if runes := []rune(rank.CSS); len(runes) > rankFieldLimit {
		rank.CSS = string(runes[:rankFieldLimit])
	}

	return rank
}

// Player is one seat in a room. Slot 0 is the host; bot rooms hold a
// synthetic bot player in slot 1 that is permanently ready.
type Player struct {
	ID   string
	Name string
	Bot  bool
	Rank RankProfile

	Ready bool
	Wins  int

	// Per-round state, reset when a round starts.
	Locked     bool
	Correct    bool
	GaveUp     bool
	AnswerText string
	LatencySec float64
}

func (p *Player) resetRound() {
	p.Locked = false
	p.Correct = false
	p.GaveUp = false
	p.AnswerText = ""
	p.LatencySec = 0
}

type MatchPhase int

const (
	phaseLobby MatchPhase = iota
	phaseRoundLive
	phaseRoundSettling
)

// Match is the live round-sequencing state nested in a Room. gen increments
// on every phase transition; scheduled callbacks capture it and fire only if
// it is unchanged, so a stale timer can never touch a round that has moved
// on.
type Match struct {
	Phase       MatchPhase
	RoundIndex  int
	TotalRounds int
	Q           Question
	RoundStart  time.Time

	gen         int
	roundTimer  *time.Timer
	botTimer    *time.Timer
	settleTimer *time.Timer
}

func (m *Match) started() bool {
	return m.Phase != phaseLobby
}

// stopTimersLocked cancels every pending delayed action for this match.
// Bumping gen makes any already-fired callback a no-op as well.
func (m *Match) stopTimersLocked() {
	m.gen++
	for _, t := range []*time.Timer{m.roundTimer, m.botTimer, m.settleTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.roundTimer = nil
	m.botTimer = nil
	m.settleTimer = nil
}

// RoundLine is one player's share of a completed round.
type RoundLine struct {
	PlayerID   string  `json:"playerId"`
	Name       string  `json:"name"`
	AnswerText string  `json:"answerText"`
	Locked     bool    `json:"locked"`
	Correct    bool    `json:"correct"`
	GaveUp     bool    `json:"gaveUp"`
	LatencySec float64 `json:"latencySec"`
}

// RoundRecord is immutable once appended to Room.Stats.
type RoundRecord struct {
	Prompt   string      `json:"prompt"`
	Answer   string      `json:"answer"`
	WinnerID string      `json:"winnerId"`
	Reason   string      `json:"reason"`
	Lines    []RoundLine `json:"lines"`
}

type Room struct {
	mu sync.Mutex

	Code     string
	Mode     string // "multi" or "bot"
	Settings RoomSettings
	Players  []*Player
	Match    Match
	Stats    []RoundRecord

	clients    map[*Client]bool
	lastActive time.Time
}

type PlayerSnapshot struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Ready bool        `json:"ready"`
	Rank  RankProfile `json:"rank"`
}

type RoomSnapshot struct {
	Code     string           `json:"code"`
	Mode     string           `json:"mode"`
	Settings RoomSettings     `json:"settings"`
	Players  []PlayerSnapshot `json:"players"`
}

func (room *Room) snapshotLocked() RoomSnapshot {
	return RoomSnapshot{
		Code:     room.Code,
		Mode:     room.Mode,
		Settings: room.Settings,
		Players: lo.Map(room.Players, func(p *Player, _ int) PlayerSnapshot {
			return PlayerSnapshot{
				ID:    p.ID,
				Name:  p.Name,
				Ready: p.Ready,
				Rank:  p.Rank,
			}
		}),
	}
}

func (room *Room) playerLocked(id string) *Player {
	for _, p := range room.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (room *Room) readyToStartLocked() bool {
	if room.Mode == "bot" {
		return len(room.Players) > 0 && room.Players[0].Ready
	}
	return len(room.Players) == 2 && lo.EveryBy(room.Players, func(p *Player) bool {
		return p.Ready
	})
}

func (room *Room) allLockedLocked() bool {
	if room.Mode != "bot" && len(room.Players) != 2 {
		return false
	}
	return lo.EveryBy(room.Players, func(p *Player) bool {
		return p.Locked
	})
}

// broadcastLocked fans a message out to every connection joined to the room.
// Clients that cannot keep up are dropped.
func (room *Room) broadcastLocked(msg any) {
	for client := range room.clients {
		if !client.trySend(msg) {
			delete(room.clients, client)
			client.closeSend()
		}
	}
}

func (room *Room) closeAllLocked() {
	for c := range room.clients {
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(room.clients, c)
	}
}

// Registry owns the process-wide room map. Rooms are ephemeral: created
// here, destroyed when emptied, never persisted.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

func (reg *Registry) newCode() string {
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = roomCodeAlphabet[int(buf[i])%len(roomCodeAlphabet)]
		}
		code := string(out)

		reg.mu.Lock()
		_, exists := reg.rooms[code]
		reg.mu.Unlock()

		if !exists {
			return code
		}
	}
}

func (reg *Registry) create(mode, hostID, hostName string, settings RoomSettings, rank RankProfile) *Room {
	code := reg.newCode()

	if hostName == "" {
		if mode == "bot" {
			hostName = "You"
		} else {
			hostName = "Player 1"
		}
	}

	room := &Room{
		Code:     code,
		Mode:     mode,
		Settings: settings,
		Players: []*Player{
			{ID: hostID, Name: hostName, Rank: rank},
		},
		clients:    make(map[*Client]bool),
		lastActive: time.Now(),
	}

	if mode == "bot" {
		room.Players = append(room.Players, &Player{
			ID:    "bot_" + code,
			Name:  "Bot",
			Bot:   true,
			Ready: true,
			Rank:  coerceRank(nil),
		})
	}

	reg.mu.Lock()
	reg.rooms[code] = room
	reg.mu.Unlock()

	return room
}

func (reg *Registry) find(code string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[code]
	return room, ok
}

// join appends a second human player. The caller gets exactly one of the
// join error sentinels back on failure.
func (reg *Registry) join(code, id, name string, rank RankProfile) (*Room, error) {
	room, ok := reg.find(code)
	if !ok {
		return nil, errRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.Mode != "multi" {
		return nil, errWrongMode
	}
	if len(room.Players) >= 2 {
		return nil, errRoomFull
	}

	if name == "" {
		name = "Player 2"
	}
	room.Players = append(room.Players, &Player{ID: id, Name: name, Rank: rank})
	room.lastActive = time.Now()

	return room, nil
}

func (reg *Registry) remove(code string) {
	reg.mu.Lock()
	delete(reg.rooms, code)
	reg.mu.Unlock()
}

func (reg *Registry) count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.rooms)
}

// all snapshots the current rooms so callers can lock them one at a time
// without holding the registry lock across a room lock.
func (reg *Registry) all() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return lo.Values(reg.rooms)
}

// reaperLoop periodically tears down rooms that have been idle longer than
// idleTimeout. Rooms are collected first and locked individually afterwards;
// match code removes rooms while holding their lock, so the registry lock is
// never held across a room lock.
func (reg *Registry) reaperLoop(cfg *Config, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		for _, room := range reg.all() {
			room.mu.Lock()
			idle := room.lastActive.Before(cutoff)
			if idle {
				room.Match.stopTimersLocked()
				room.closeAllLocked()
			}
			room.mu.Unlock()

			if idle {
				reg.remove(room.Code)
				logf(cfg, "ROOMS: Reaped idle room %s", room.Code)
			}
		}
	}
}
