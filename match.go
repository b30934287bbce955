/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"time"

	"github.com/samber/lo"
)

// Pause between a round ending and the next one starting, giving clients
// time to render the reveal overlay. Variable so tests can shorten it.
var settleDelay = 2200 * time.Millisecond

const (
	reasonLocked = "locked"
	reasonTime   = "time"
)

// maybeStartMatchLocked fires the Lobby → RoundLive transition when the
// readiness condition holds: the sole human ready in bot mode, exactly two
// players all ready in multi mode.
func (s *DuelServer) maybeStartMatchLocked(room *Room) {
	if room.Match.started() || !room.readyToStartLocked() {
		return
	}

	for _, p := range room.Players {
		p.Wins = 0
	}
	room.Stats = nil
	room.Match.RoundIndex = 0
	room.Match.TotalRounds = room.Settings.QuestionsTotal

	room.broadcastLocked(MatchBeginMessage{
		Type:        "match_begin",
		TotalRounds: room.Match.TotalRounds,
		Settings:    room.Settings,
		Players:     room.snapshotLocked().Players,
	})

	logf(s.cfg, "MATCH: Started in room %s (%s, %d rounds)",
		room.Code, room.Settings.Diff, room.Match.TotalRounds)

	s.startRoundLocked(room)
}

func (s *DuelServer) startRoundLocked(room *Room) {
	room.Match.stopTimersLocked()
	room.Match.Phase = phaseRoundLive
	room.Match.RoundIndex++

	for _, p := range room.Players {
		p.resetRound()
	}

	room.Match.Q = pickQuestion(room.Settings.Diff)
	room.Match.RoundStart = time.Now()
	room.lastActive = time.Now()

	room.broadcastLocked(RoundStartMessage{
		Type:        "round_start",
		RoundIndex:  room.Match.RoundIndex,
		TotalRounds: room.Match.TotalRounds,
		DurationSec: room.Settings.DurationSec,
		Question:    room.Match.Q.Prompt,
	})

	code := room.Code
	gen := room.Match.gen
	room.Match.roundTimer = time.AfterFunc(time.Duration(room.Settings.DurationSec)*time.Second, func() {
		s.roundTimeout(code, gen)
	})

	if room.Mode == "bot" {
		s.scheduleBotLocked(room)
	}

	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})
}

// roundTimeout is the duration timer callback. The generation check makes a
// fire against an already-ended round a no-op.
func (s *DuelServer) roundTimeout(code string, gen int) {
	room, ok := s.reg.find(code)
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.Match.Phase != phaseRoundLive || room.Match.gen != gen {
		return
	}

	s.endRoundLocked(room, reasonTime)
}

// lockAnswerLocked marks a player's final answer for the current round.
// Locking twice, locking before a round, or locking in settle are all
// silent no-ops.
func (s *DuelServer) lockAnswerLocked(room *Room, playerID, answer string) {
	if room.Match.Phase != phaseRoundLive {
		return
	}

	p := room.playerLocked(playerID)
	if p == nil || p.Locked {
		return
	}

	p.Locked = true
	p.AnswerText = answer
	p.LatencySec = time.Since(room.Match.RoundStart).Seconds()
	p.Correct = answersMatch(answer, room.Match.Q.Answer)
	room.lastActive = time.Now()

	// Opponents see the lock immediately, before any round-end evaluation.
	room.broadcastLocked(LockUpdateMessage{
		Type:     "lock_update",
		PlayerID: p.ID,
		Locked:   true,
		Correct:  p.Correct,
		GaveUp:   false,
	})

	if room.allLockedLocked() {
		s.endRoundLocked(room, reasonLocked)
	}
}

// giveUpLocked is a lock with forced-false correctness and no answer text,
// flagged so statistics can tell it apart from a wrong submission.
func (s *DuelServer) giveUpLocked(room *Room, playerID string) {
	if room.Match.Phase != phaseRoundLive {
		return
	}

	p := room.playerLocked(playerID)
	if p == nil || p.Locked {
		return
	}

	p.Locked = true
	p.AnswerText = ""
	p.LatencySec = time.Since(room.Match.RoundStart).Seconds()
	p.Correct = false
	p.GaveUp = true
	room.lastActive = time.Now()

	room.broadcastLocked(LockUpdateMessage{
		Type:     "lock_update",
		PlayerID: p.ID,
		Locked:   true,
		Correct:  false,
		GaveUp:   true,
	})

	if room.allLockedLocked() {
		s.endRoundLocked(room, reasonLocked)
	}
}

// pickRoundWinnerLocked returns the id of the correct player with the
// smallest lock latency, or "" when nobody locked a correct answer.
func pickRoundWinnerLocked(room *Room) string {
	correct := lo.Filter(room.Players, func(p *Player, _ int) bool {
		return p.Locked && p.Correct
	})
	if len(correct) == 0 {
		return ""
	}

	return lo.MinBy(correct, func(a, b *Player) bool {
		return a.LatencySec < b.LatencySec
	}).ID
}

func winnersLocked(room *Room) []PlayerWins {
	return lo.Map(room.Players, func(p *Player, _ int) PlayerWins {
		return PlayerWins{ID: p.ID, Wins: p.Wins}
	})
}

func (s *DuelServer) endRoundLocked(room *Room, reason string) {
	if room.Match.Phase != phaseRoundLive {
		return
	}

	room.Match.stopTimersLocked()
	room.Match.Phase = phaseRoundSettling

	winnerID := pickRoundWinnerLocked(room)
	if winnerID != "" {
		if w := room.playerLocked(winnerID); w != nil {
			w.Wins++
		}
	}

	record := RoundRecord{
		Prompt:   room.Match.Q.Prompt,
		Answer:   room.Match.Q.Answer,
		WinnerID: winnerID,
		Reason:   reason,
		Lines: lo.Map(room.Players, func(p *Player, _ int) RoundLine {
			return RoundLine{
				PlayerID:   p.ID,
				Name:       p.Name,
				AnswerText: p.AnswerText,
				Locked:     p.Locked,
				Correct:    p.Correct,
				GaveUp:     p.GaveUp,
				LatencySec: p.LatencySec,
			}
		}),
	}
	room.Stats = append(room.Stats, record)

	room.broadcastLocked(RoundEndMessage{
		Type:     "round_end",
		WinnerID: winnerID,
		Reason:   reason,
		Winners:  winnersLocked(room),
		Reveal: Reveal{
			Answer: room.Match.Q.Answer,
			Lines:  record.Lines,
		},
	})

	logf(s.cfg, "MATCH: Round %d/%d ended in room %s (%s, winner %q)",
		room.Match.RoundIndex, room.Match.TotalRounds, room.Code, reason, winnerID)

	if room.Match.RoundIndex >= room.Match.TotalRounds {
		s.endMatchLocked(room)
		return
	}

	code := room.Code
	gen := room.Match.gen
	room.Match.settleTimer = time.AfterFunc(settleDelay, func() {
		s.settleAdvance(code, gen)
	})
}

func (s *DuelServer) settleAdvance(code string, gen int) {
	room, ok := s.reg.find(code)
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.Match.Phase != phaseRoundSettling || room.Match.gen != gen {
		return
	}

	s.startRoundLocked(room)
}

// endMatchLocked computes the aggregate summary and returns the room to the
// lobby. Ready flags reset so a fresh all-ready handshake can restart.
func (s *DuelServer) endMatchLocked(room *Room) {
	winnerID := matchWinnerLocked(room)

	room.broadcastLocked(MatchEndMessage{
		Type:     "match_end",
		WinnerID: winnerID,
		Winners:  winnersLocked(room),
		Summary:  summarizeLocked(room),
	})

	logf(s.cfg, "MATCH: Finished in room %s (winner %q)", room.Code, winnerID)

	room.Match.stopTimersLocked()
	room.Match.Phase = phaseLobby
	room.Match.RoundIndex = 0
	for _, p := range room.Players {
		if !p.Bot {
			p.Ready = false
		}
	}

	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})
}

// matchWinnerLocked picks the player with the most round wins; ties yield
// no match winner.
func matchWinnerLocked(room *Room) string {
	if len(room.Players) == 0 {
		return ""
	}
	if len(room.Players) == 1 {
		return room.Players[0].ID
	}

	best := lo.MaxBy(room.Players, func(a, b *Player) bool {
		return a.Wins > b.Wins
	})
	ties := lo.CountBy(room.Players, func(p *Player) bool {
		return p.Wins == best.Wins
	})
	if ties > 1 {
		return ""
	}
	return best.ID
}

// PlayerSummary aggregates one player's match from the round records.
type PlayerSummary struct {
	PlayerID          string  `json:"playerId"`
	Name              string  `json:"name"`
	Wins              int     `json:"wins"`
	RoundsPlayed      int     `json:"roundsPlayed"`
	CorrectCount      int     `json:"correctCount"`
	GiveUpCount       int     `json:"giveUpCount"`
	AvgLatencySec     float64 `json:"avgLatencySec"`
	FastestCorrectSec float64 `json:"fastestCorrectSec"`
}

// summarizeLocked folds the append-only round records into per-player
// totals. Average latency counts real locks only, not give-ups; fastest
// correct is zero for a player who never answered correctly.
func summarizeLocked(room *Room) []PlayerSummary {
	return lo.Map(room.Players, func(p *Player, _ int) PlayerSummary {
		summary := PlayerSummary{
			PlayerID: p.ID,
			Name:     p.Name,
			Wins:     p.Wins,
		}

		var latencyTotal float64
		var latencyCount int
		for _, record := range room.Stats {
			for _, line := range record.Lines {
				if line.PlayerID != p.ID {
					continue
				}
				summary.RoundsPlayed++
				if line.Correct {
					summary.CorrectCount++
					if summary.FastestCorrectSec == 0 || line.LatencySec < summary.FastestCorrectSec {
						summary.FastestCorrectSec = line.LatencySec
					}
				}
				if line.GaveUp {
					summary.GiveUpCount++
				} else if line.Locked {
					latencyTotal += line.LatencySec
					latencyCount++
				}
			}
		}

		if latencyCount > 0 {
			summary.AvgLatencySec = latencyTotal / float64(latencyCount)
		}

		return summary
	})
}

// removePlayerLocked handles leave and disconnect. An in-progress match
// cannot continue with a missing player, so it aborts rather than pausing.
// The return value reports whether the room was destroyed.
func (s *DuelServer) removePlayerLocked(room *Room, playerID string) bool {
	before := len(room.Players)
	room.Players = lo.Filter(room.Players, func(p *Player, _ int) bool {
		return p.ID != playerID
	})
	if len(room.Players) == before {
		return false
	}

	// Timers die before the room is torn down or reset, so nothing can
	// fire against a rebuilt or deleted room.
	room.Match.stopTimersLocked()
	room.lastActive = time.Now()

	humans := lo.CountBy(room.Players, func(p *Player) bool {
		return !p.Bot
	})
	if humans == 0 {
		s.reg.remove(room.Code)
		logf(s.cfg, "ROOMS: Removed room %s", room.Code)
		return true
	}

	room.Match.Phase = phaseLobby
	room.Match.RoundIndex = 0
	room.Players[0].Ready = false

	room.broadcastLocked(RoomUpdateMessage{Type: "room_update", Room: room.snapshotLocked()})
	return false
}
