/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"math/rand"
	"time"
)

// Harder tiers model a harder question: the bot thinks longer and is wrong
// more often.
type botProfile struct {
	minDelay time.Duration
	maxDelay time.Duration
	accuracy float64
}

var botProfiles = map[string]botProfile{
	"easy":   {minDelay: 5 * time.Second, maxDelay: 12 * time.Second, accuracy: 0.75},
	"medium": {minDelay: 7 * time.Second, maxDelay: 14 * time.Second, accuracy: 0.65},
	"hard":   {minDelay: 9 * time.Second, maxDelay: 17 * time.Second, accuracy: 0.55},
}

const botWrongAnswer = "?"

func botProfileFor(tier string) botProfile {
	profile, ok := botProfiles[tier]
	if !ok {
		return botProfiles["easy"]
	}
	return profile
}

// scheduleBotLocked arms the simulated opponent's one-shot think timer for
// the current round.
func (s *DuelServer) scheduleBotLocked(room *Room) {
	profile := botProfileFor(room.Settings.Diff)
	delay := profile.minDelay + time.Duration(rand.Float64()*float64(profile.maxDelay-profile.minDelay))

	code := room.Code
	gen := room.Match.gen
	room.Match.botTimer = time.AfterFunc(delay, func() {
		s.botFire(code, gen)
	})
}

// botFire locks the bot with a coin-flip correctness outcome. A fire racing
// a round that already ended (early human lock, leave, timeout) is a no-op
// via the generation check.
func (s *DuelServer) botFire(code string, gen int) {
	room, ok := s.reg.find(code)
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.Match.Phase != phaseRoundLive || room.Match.gen != gen {
		return
	}

	var bot *Player
	for _, p := range room.Players {
		if p.Bot {
			bot = p
			break
		}
	}
	if bot == nil || bot.Locked {
		return
	}

	bot.Locked = true
	bot.Correct = rand.Float64() < botProfileFor(room.Settings.Diff).accuracy
	if bot.Correct {
		bot.AnswerText = room.Match.Q.Answer
	} else {
		bot.AnswerText = botWrongAnswer
	}
	bot.LatencySec = time.Since(room.Match.RoundStart).Seconds()

	room.broadcastLocked(LockUpdateMessage{
		Type:     "lock_update",
		PlayerID: bot.ID,
		Locked:   true,
		Correct:  bot.Correct,
		GaveUp:   false,
	})

	if room.allLockedLocked() {
		s.endRoundLocked(room, reasonLocked)
	}
}
