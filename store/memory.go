/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Seednode/fretquiz/games"
)

// Memory is a map-backed Gateway. State is lost when the process exits.
type Memory struct {
	mu     sync.RWMutex
	games  map[string]*games.Game
	rounds map[string]string // round ID -> game ID
}

func NewMemory() *Memory {
	return &Memory{
		games:  make(map[string]*games.Game),
		rounds: make(map[string]string),
	}
}

func (m *Memory) CreateGame(_ context.Context, g games.Game) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.games[g.ID]; exists {
		return "", fmt.Errorf("game %s already stored", g.ID)
	}

	m.games[g.ID] = &games.Game{
		ID:        g.ID,
		HostID:    g.HostID,
		Status:    g.Status,
		PlayerIDs: slices.Clone(g.PlayerIDs),
		Opts:      g.Opts,
	}
	return g.ID, nil
}

func (m *Memory) game(id string) (*games.Game, error) {
	g, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", games.ErrGameNotFound, id)
	}
	return g, nil
}

func (m *Memory) AddPlayer(_ context.Context, gameID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.game(gameID)
	if err != nil {
		return err
	}
	if !slices.Contains(g.PlayerIDs, playerID) {
		g.PlayerIDs = append(g.PlayerIDs, playerID)
	}
	return nil
}

func (m *Memory) AppendRound(_ context.Context, gameID string, r games.Round) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.game(gameID)
	if err != nil {
		return "", err
	}
	if _, exists := m.rounds[r.ID]; exists {
		return "", fmt.Errorf("round %s already stored", r.ID)
	}

	g.Rounds = append(g.Rounds, games.Round{ID: r.ID, Note: r.Note, Guesses: []games.Guess{}})
	m.rounds[r.ID] = gameID
	return r.ID, nil
}

func (m *Memory) AppendGuess(_ context.Context, roundID string, guess games.Guess) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gameID, ok := m.rounds[roundID]
	if !ok {
		return "", fmt.Errorf("round %s not stored", roundID)
	}

	g := m.games[gameID]
	for i := range g.Rounds {
		if g.Rounds[i].ID == roundID {
			guess.RoundID = roundID
			g.Rounds[i].Guesses = append(g.Rounds[i].Guesses, guess)
			return guess.ID, nil
		}
	}
	return "", fmt.Errorf("round %s not stored", roundID)
}

func (m *Memory) FinishGame(_ context.Context, gameID string, status games.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.game(gameID)
	if err != nil {
		return err
	}
	if !g.Status.Terminal() {
		g.Status = status
	}
	return nil
}

func (m *Memory) LoadGame(_ context.Context, gameID string) (games.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.game(gameID)
	if err != nil {
		return games.Game{}, err
	}

	out := *g
	out.PlayerIDs = slices.Clone(g.PlayerIDs)
	out.Rounds = make([]games.Round, len(g.Rounds))
	for i, r := range g.Rounds {
		r.Guesses = slices.Clone(r.Guesses)
		out.Rounds[i] = r
	}

	markClosedRounds(&out)

	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
