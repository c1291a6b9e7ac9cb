/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store persists finished facts about games: creation, players,
// rounds, guesses and the terminal status. Rows are append-only; the live
// game state in memory is always authoritative.
package store

import (
	"context"
	"errors"

	"github.com/Seednode/fretquiz/games"
)

// ErrPersistenceDegraded marks a write that could not be completed after
// retrying. The game continues; only its history is incomplete.
var ErrPersistenceDegraded = errors.New("persistence degraded")

// Gateway is the durable storage contract used by the Recorder and by
// session restoration.
type Gateway interface {
	CreateGame(ctx context.Context, g games.Game) (string, error)
	AddPlayer(ctx context.Context, gameID, playerID string) error
	AppendRound(ctx context.Context, gameID string, r games.Round) (string, error)
	AppendGuess(ctx context.Context, roundID string, g games.Guess) (string, error)
	// FinishGame keeps the first terminal status recorded for a game.
	FinishGame(ctx context.Context, gameID string, status games.Status) error
	// LoadGame returns games.ErrGameNotFound for unknown IDs.
	LoadGame(ctx context.Context, gameID string) (games.Game, error)
	Close() error
}

// markClosedRounds fills in closure for rounds read back from storage:
// every round but the latest is closed, and the latest is closed once the
// game has ended. The winner is the first correct guess.
func markClosedRounds(g *games.Game) {
	for i := range g.Rounds {
		r := &g.Rounds[i]
		r.Closed = i < len(g.Rounds)-1 || g.Status.Terminal()
		for _, guess := range r.Guesses {
			if guess.Correct {
				r.WinnerID = guess.PlayerID
				break
			}
		}
	}
}
