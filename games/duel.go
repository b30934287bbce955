// Package games holds design notes for duelbox game modes.
package games

// Two players join a room identified by a short code, or one player faces a simulated bot
// Each round shows a timed calculus question; both players scribble working on a scratchpad
// The first correct locked answer wins the round; locking is final for that round
// A player can give up on a round, which counts separately from a wrong answer
// When both players have locked (or the timer runs out), everyone sees the full reveal
// After the configured number of rounds, the player with more round wins takes the match

// Display formats:
// Menu with create / join / bot tabs and difficulty, duration, rounds, pen width settings
// Lobby listing both players with ready toggles and rank badges
// Game screen with question, countdown bar, scratchpad, and the opponent's live strokes

// Implementation details:
// - Use one websocket per connection; all events carry the room code
// - Rooms are ephemeral and in-memory; emptied rooms are destroyed immediately
// - Bot rooms die the moment their human leaves

// How to play
// - Host creates a room and shares the code (or the QR link) with a friend
// - Both players ready up; rounds start automatically with a settle pause between them
// - Type answers like 3.5, 7/2, 2pi, pi/4, or exact forms like 2x and cosx
