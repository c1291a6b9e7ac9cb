/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package games implements the fretboard quiz: the per-game session state
// machine, guess grading, and the registry of live sessions.
//
// A game is created by a host, collects players while in Init, then plays a
// fixed number of rounds. In each round every player clicks the fretboard
// position they believe sounds the target note. The round closes at the
// first correct guess or once every player has guessed, and the host
// advances to the next round until the game is over.
package games

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Seednode/fretquiz/theory"
)

var (
	ErrInvalidOpts        = errors.New("invalid game options")
	ErrInvalidState       = errors.New("operation not allowed in current game state")
	ErrUnauthorized       = errors.New("only the host may do that")
	ErrNotAMember         = errors.New("player is not in this game")
	ErrDuplicateGuess     = errors.New("player already guessed this round")
	ErrCoordOutOfRange    = errors.New("fretboard position outside the game's range")
	ErrGameNotFound       = errors.New("game not found")
	ErrGameAlreadyStarted = errors.New("game already started")
)

// Status is the lifecycle state of a game.
type Status int

const (
	StatusInit Status = iota
	StatusPlaying
	StatusRoundOver
	StatusGameOver
	StatusNoPlayers
)

var statusNames = map[Status]string{
	StatusInit:      "Init",
	StatusPlaying:   "Playing",
	StatusRoundOver: "RoundOver",
	StatusGameOver:  "GameOver",
	StatusNoPlayers: "NoPlayers",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown game status %q", s)
}

// Terminal reports whether no further gameplay is accepted.
func (s Status) Terminal() bool {
	return s == StatusGameOver || s == StatusNoPlayers
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown game status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Opts are the settings chosen by the host when creating a game.
type Opts struct {
	NumRounds int `json:"num_rounds"`
	StartFret int `json:"start_fret"`
	EndFret   int `json:"end_fret"`
}

func DefaultOpts() Opts {
	return Opts{
		NumRounds: 4,
		StartFret: 0,
		EndFret:   4,
	}
}

func (o Opts) Validate() error {
	if o.NumRounds < 1 {
		return fmt.Errorf("%w: need at least one round, got %d", ErrInvalidOpts, o.NumRounds)
	}
	if o.StartFret < 0 || o.EndFret > theory.MaxFret {
		return fmt.Errorf("%w: frets must be within 0-%d", ErrInvalidOpts, theory.MaxFret)
	}
	if o.StartFret > o.EndFret {
		return fmt.Errorf("%w: start fret %d is after end fret %d", ErrInvalidOpts, o.StartFret, o.EndFret)
	}
	return nil
}

// InRange reports whether c lies within the fret window.
func (o Opts) InRange(c theory.FretCoord) bool {
	return c.Fret >= o.StartFret && c.Fret <= o.EndFret
}

type Guess struct {
	ID        string           `json:"id"`
	PlayerID  string           `json:"player_id"`
	RoundID   string           `json:"round_id"`
	Coord     theory.FretCoord `json:"coord"`
	Correct   bool             `json:"correct"`
	CreatedAt time.Time        `json:"created_at"`
}

type Round struct {
	ID       string      `json:"id"`
	Note     theory.Note `json:"note"`
	Guesses  []Guess     `json:"guesses"`
	Closed   bool        `json:"closed"`
	WinnerID string      `json:"winner_id,omitempty"`
}

// GuessBy returns the guess submitted by playerID, if any.
func (r *Round) GuessBy(playerID string) (Guess, bool) {
	for _, g := range r.Guesses {
		if g.PlayerID == playerID {
			return g, true
		}
	}
	return Guess{}, false
}

func (r Round) clone() Round {
	r.Guesses = slices.Clone(r.Guesses)
	return r
}

type Game struct {
	ID        string   `json:"id"`
	HostID    string   `json:"host_id"`
	Status    Status   `json:"status"`
	PlayerIDs []string `json:"player_ids"`
	Opts      Opts     `json:"opts"`
	Rounds    []Round  `json:"rounds"`
}

// CurrentRound returns the most recent round, or nil before the game starts.
func (g *Game) CurrentRound() *Round {
	if len(g.Rounds) == 0 {
		return nil
	}
	return &g.Rounds[len(g.Rounds)-1]
}

func (g *Game) IsMember(playerID string) bool {
	return slices.Contains(g.PlayerIDs, playerID)
}

func (g Game) clone() Game {
	g.PlayerIDs = slices.Clone(g.PlayerIDs)
	rounds := make([]Round, len(g.Rounds))
	for i, r := range g.Rounds {
		rounds[i] = r.clone()
	}
	g.Rounds = rounds
	return g
}
