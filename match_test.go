package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testServer() *DuelServer {
	return newDuelServer(&Config{})
}

func testClient(id string) *Client {
	return &Client{
		id:          id,
		send:        make(chan any, 256),
		drawLimiter: rate.NewLimiter(rate.Limit(1000), 1000),
	}
}

// awaitMessage drains a client's send channel until a message of type M
// arrives, discarding everything else.
func awaitMessage[M any](t *testing.T, c *Client, within time.Duration) M {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatal("send channel closed")
			}
			if msg, ok := raw.(M); ok {
				return msg
			}
		case <-deadline:
			var zero M
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func answerFor(prompt string) string {
	for _, pool := range questionPools {
		for _, q := range pool {
			if q.Prompt == prompt {
				return q.Answer
			}
		}
	}
	return ""
}

// startMultiMatch creates a two-human room, readies both players, and
// returns everything needed to drive rounds.
func startMultiMatch(t *testing.T, s *DuelServer, settings string) (*Room, *Client, *Client, RoundStartMessage) {
	t.Helper()

	host := testClient("host")
	guest := testClient("guest")

	s.handleCreate(host, ClientMessage{Settings: json.RawMessage(settings)}, "multi")
	joined := awaitMessage[JoinedRoomMessage](t, host, time.Second)

	s.handleJoin(guest, ClientMessage{Code: joined.Code})
	awaitMessage[JoinedRoomMessage](t, guest, time.Second)

	s.handleReady(host, ClientMessage{Code: joined.Code, Ready: true})
	s.handleReady(guest, ClientMessage{Code: joined.Code, Ready: true})

	start := awaitMessage[RoundStartMessage](t, host, time.Second)

	room, ok := s.reg.find(joined.Code)
	require.True(t, ok)

	return room, host, guest, start
}

func TestPickRoundWinner(t *testing.T) {
	tests := []struct {
		name    string
		players []*Player
		want    string
	}{
		{
			name: "both correct, faster lock wins",
			players: []*Player{
				{ID: "a", Locked: true, Correct: true, LatencySec: 4.2},
				{ID: "b", Locked: true, Correct: true, LatencySec: 3.9},
			},
			want: "b",
		},
		{
			name: "correct beats incorrect regardless of latency",
			players: []*Player{
				{ID: "a", Locked: true, Correct: true, LatencySec: 10},
				{ID: "b", Locked: true, Correct: false, LatencySec: 1},
			},
			want: "a",
		},
		{
			name: "nobody correct",
			players: []*Player{
				{ID: "a", Locked: true, Correct: false, LatencySec: 1},
				{ID: "b", Locked: true, Correct: false, LatencySec: 2},
			},
			want: "",
		},
		{
			name: "unlocked player never wins",
			players: []*Player{
				{ID: "a", Locked: false, Correct: false},
				{ID: "b", Locked: true, Correct: true, LatencySec: 5},
			},
			want: "b",
		},
		{
			name:    "empty room",
			players: nil,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := &Room{Players: tt.players}
			assert.Equal(t, tt.want, pickRoundWinnerLocked(room))
		})
	}
}

func TestMatchWinnerTieYieldsNone(t *testing.T) {
	room := &Room{Players: []*Player{
		{ID: "a", Wins: 2},
		{ID: "b", Wins: 2},
	}}
	assert.Equal(t, "", matchWinnerLocked(room))

	room.Players[0].Wins = 3
	assert.Equal(t, "a", matchWinnerLocked(room))
}

func TestLockFlow(t *testing.T) {
	s := testServer()
	room, host, guest, start := startMultiMatch(t, s, `{"durationSec":90,"questionsTotal":5}`)

	// Locking before anyone else: opponent sees the lock immediately.
	s.handleLock(host, ClientMessage{Code: room.Code, Answer: answerFor(start.Question)})
	lock := awaitMessage[LockUpdateMessage](t, guest, time.Second)
	assert.Equal(t, "host", lock.PlayerID)
	assert.True(t, lock.Locked)
	assert.True(t, lock.Correct)
	assert.False(t, lock.GaveUp)

	// Duplicate lock is a silent no-op.
	s.handleLock(host, ClientMessage{Code: room.Code, Answer: "something else"})

	room.mu.Lock()
	assert.Equal(t, answerFor(start.Question), room.playerLocked("host").AnswerText)
	assert.Equal(t, phaseRoundLive, room.Match.Phase, "round must wait for the second lock")
	room.mu.Unlock()

	s.handleLock(guest, ClientMessage{Code: room.Code, Answer: "zzz"})

	end := awaitMessage[RoundEndMessage](t, host, time.Second)
	assert.Equal(t, "host", end.WinnerID)
	assert.Equal(t, reasonLocked, end.Reason)
	assert.Equal(t, answerFor(start.Question), end.Reveal.Answer)
	require.Len(t, end.Reveal.Lines, 2)
}

func TestLockBeforeMatchIsNoOp(t *testing.T) {
	s := testServer()
	host := testClient("host")

	s.handleCreate(host, ClientMessage{}, "multi")
	joined := awaitMessage[JoinedRoomMessage](t, host, time.Second)

	s.handleLock(host, ClientMessage{Code: joined.Code, Answer: "7"})

	room, ok := s.reg.find(joined.Code)
	require.True(t, ok)
	room.mu.Lock()
	defer room.mu.Unlock()
	assert.False(t, room.Players[0].Locked)
}

func TestGiveUpDiffersFromWrongAnswer(t *testing.T) {
	s := testServer()
	room, host, guest, _ := startMultiMatch(t, s, `{"durationSec":90,"questionsTotal":5}`)

	s.handleGiveUp(host, ClientMessage{Code: room.Code})
	lock := awaitMessage[LockUpdateMessage](t, guest, time.Second)
	assert.True(t, lock.GaveUp)
	assert.False(t, lock.Correct)

	s.handleLock(guest, ClientMessage{Code: room.Code, Answer: "zzz"})
	end := awaitMessage[RoundEndMessage](t, host, time.Second)
	assert.Equal(t, "", end.WinnerID)

	room.mu.Lock()
	defer room.mu.Unlock()
	require.Len(t, room.Stats, 1)
	for _, line := range room.Stats[0].Lines {
		switch line.PlayerID {
		case "host":
			assert.True(t, line.GaveUp)
			assert.Equal(t, "", line.AnswerText)
		case "guest":
			assert.False(t, line.GaveUp)
			assert.Equal(t, "zzz", line.AnswerText)
		}
	}
}

func TestStaleRoundTimerIsNoOp(t *testing.T) {
	s := testServer()
	room, host, guest, start := startMultiMatch(t, s, `{"durationSec":90,"questionsTotal":5}`)

	room.mu.Lock()
	staleGen := room.Match.gen
	room.mu.Unlock()

	s.handleLock(host, ClientMessage{Code: room.Code, Answer: answerFor(start.Question)})
	s.handleLock(guest, ClientMessage{Code: room.Code, Answer: "zzz"})
	awaitMessage[RoundEndMessage](t, host, time.Second)

	// The duration timer firing after both locks must not double-process.
	s.roundTimeout(room.Code, staleGen)

	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Len(t, room.Stats, 1)
	assert.Equal(t, phaseRoundSettling, room.Match.Phase)
}

func TestLeaveMidMatchResetsMultiRoom(t *testing.T) {
	s := testServer()
	room, host, guest, _ := startMultiMatch(t, s, `{"durationSec":90,"questionsTotal":5}`)

	// Discard the round-start room update still queued from matchmaking.
	awaitMessage[RoomUpdateMessage](t, host, time.Second)

	s.handleLeave(guest, room.Code)

	_, ok := s.reg.find(room.Code)
	require.True(t, ok, "two-human room survives a leave")

	update := awaitMessage[RoomUpdateMessage](t, host, time.Second)
	require.Len(t, update.Room.Players, 1)
	assert.False(t, update.Room.Players[0].Ready)

	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Equal(t, phaseLobby, room.Match.Phase)
	assert.Equal(t, 0, room.Match.RoundIndex)
}

func TestLeaveDestroysBotRoom(t *testing.T) {
	s := testServer()
	host := testClient("host")

	s.handleCreate(host, ClientMessage{}, "bot")
	joined := awaitMessage[JoinedRoomMessage](t, host, time.Second)

	s.handleLeave(host, joined.Code)

	_, ok := s.reg.find(joined.Code)
	assert.False(t, ok, "bot room dies with its human")
	assert.Equal(t, 0, s.reg.count())
}

func TestLeaveEmptyingRoomDestroysIt(t *testing.T) {
	s := testServer()
	host := testClient("host")

	s.handleCreate(host, ClientMessage{}, "multi")
	joined := awaitMessage[JoinedRoomMessage](t, host, time.Second)

	s.handleLeave(host, joined.Code)
	assert.Equal(t, 0, s.reg.count())
}

func TestMatchEndResetsReadiness(t *testing.T) {
	s := testServer()
	room, host, guest, start := startMultiMatch(t, s, `{"durationSec":90,"questionsTotal":1}`)

	s.handleLock(host, ClientMessage{Code: room.Code, Answer: answerFor(start.Question)})
	s.handleLock(guest, ClientMessage{Code: room.Code, Answer: "zzz"})

	end := awaitMessage[MatchEndMessage](t, host, time.Second)
	assert.Equal(t, "host", end.WinnerID)

	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Equal(t, phaseLobby, room.Match.Phase)
	for _, p := range room.Players {
		assert.False(t, p.Ready)
	}
}

func TestSummarize(t *testing.T) {
	room := &Room{
		Players: []*Player{
			{ID: "a", Name: "Alice", Wins: 2},
			{ID: "b", Name: "Bob", Wins: 0},
		},
		Stats: []RoundRecord{
			{
				WinnerID: "a",
				Reason:   reasonLocked,
				Lines: []RoundLine{
					{PlayerID: "a", Locked: true, Correct: true, LatencySec: 4},
					{PlayerID: "b", Locked: true, Correct: false, LatencySec: 6},
				},
			},
			{
				WinnerID: "a",
				Reason:   reasonTime,
				Lines: []RoundLine{
					{PlayerID: "a", Locked: true, Correct: true, LatencySec: 2},
					{PlayerID: "b", Locked: true, GaveUp: true, LatencySec: 3},
				},
			},
		},
	}

	want := []PlayerSummary{
		{
			PlayerID:          "a",
			Name:              "Alice",
			Wins:              2,
			RoundsPlayed:      2,
			CorrectCount:      2,
			AvgLatencySec:     3,
			FastestCorrectSec: 2,
		},
		{
			PlayerID:      "b",
			Name:          "Bob",
			RoundsPlayed:  2,
			GiveUpCount:   1,
			AvgLatencySec: 6, // the give-up round is excluded
		},
	}

	if diff := cmp.Diff(want, summarizeLocked(room)); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

// Full scenario: short rounds, one lock, one timeout, automatic advance,
// and the end-of-match summary.
func TestMatchScenario(t *testing.T) {
	oldDelay := settleDelay
	settleDelay = 100 * time.Millisecond
	defer func() { settleDelay = oldDelay }()

	s := testServer()
	room, host, guest, start := startMultiMatch(t, s, `{"durationSec":1,"questionsTotal":2}`)
	assert.Equal(t, 1, start.RoundIndex)
	assert.Equal(t, 2, start.TotalRounds)
	assert.Equal(t, 1, start.DurationSec)

	// Round 1: host locks the canonical answer immediately, guest never
	// locks; the round must end via the duration timer.
	s.handleLock(host, ClientMessage{Code: room.Code, Answer: answerFor(start.Question)})

	end1 := awaitMessage[RoundEndMessage](t, guest, 3*time.Second)
	assert.Equal(t, reasonTime, end1.Reason)
	assert.Equal(t, "host", end1.WinnerID)

	// Round 2 starts automatically after the settle delay.
	start2 := awaitMessage[RoundStartMessage](t, guest, 2*time.Second)
	assert.Equal(t, 2, start2.RoundIndex)

	s.handleLock(host, ClientMessage{Code: room.Code, Answer: answerFor(start2.Question)})
	s.handleLock(guest, ClientMessage{Code: room.Code, Answer: "zzz"})

	final := awaitMessage[MatchEndMessage](t, guest, time.Second)
	assert.Equal(t, "host", final.WinnerID)

	want := []PlayerSummary{
		{PlayerID: "host", Wins: 2, RoundsPlayed: 2, CorrectCount: 2},
		{PlayerID: "guest", Wins: 0, RoundsPlayed: 2, CorrectCount: 0},
	}
	ignore := cmpopts.IgnoreFields(PlayerSummary{},
		"Name", "AvgLatencySec", "FastestCorrectSec")
	if diff := cmp.Diff(want, final.Summary, ignore); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	hostSummary := final.Summary[0]
	assert.GreaterOrEqual(t, hostSummary.CorrectCount, 1)
	assert.Greater(t, hostSummary.FastestCorrectSec, 0.0)
}
