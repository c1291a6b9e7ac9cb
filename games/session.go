/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package games

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Seednode/fretquiz/theory"
)

// Delta describes what a single session operation changed. Every successful
// operation returns one, and it is what gets broadcast to the room.
type Delta struct {
	GameID        string
	Status        Status
	StatusChanged bool

	HostID      string
	HostChanged bool

	Joined string
	Left   string

	// Round is a copy of the round started or updated by the operation.
	Round        *Round
	RoundStarted bool

	Guess *Guess

	RoundClosed bool
	WinnerID    string
}

// Empty reports whether the operation was a no-op, e.g. a repeated join.
func (d Delta) Empty() bool {
	return !d.StatusChanged && !d.HostChanged && d.Joined == "" && d.Left == "" &&
		d.Round == nil && d.Guess == nil && !d.RoundClosed
}

// GameOver reports whether this delta moved the game to GameOver.
func (d Delta) GameOver() bool {
	return d.StatusChanged && d.Status == StatusGameOver
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

func WithPolicy(p ClosurePolicy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

func WithTuning(t theory.Tuning) Option {
	return func(s *Session) {
		s.validator = NewValidator(t)
	}
}

func WithNoteRange(r theory.NoteRange) Option {
	return func(s *Session) {
		s.notes = r
	}
}

// WithRand makes note selection deterministic.
func WithRand(r *rand.Rand) Option {
	return func(s *Session) {
		s.intN = r.IntN
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session is a single game. All methods are safe for concurrent use; each
// operation runs with exclusive access to the game, so concurrent guesses are
// graded strictly in the order they acquire the session.
type Session struct {
	mu sync.Mutex

	game       Game
	lastActive time.Time

	validator Validator
	policy    ClosurePolicy
	notes     theory.NoteRange
	playable  []int

	intN  func(n int) int
	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

func newSession(options []Option) *Session {
	s := &Session{
		validator: NewValidator(theory.StandardTuning),
		policy:    FirstCorrectOrAllGuessed{},
		notes:     theory.DefaultRange,
		intN:      rand.IntN,
		now:       time.Now,
		newID:     uuid.NewString,
		log:       zerolog.Nop(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Session) setOpts(opts Opts) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	s.playable = s.notes.Playable(s.validator.Tuning, opts.StartFret, opts.EndFret)
	if len(s.playable) == 0 {
		return fmt.Errorf("%w: no notes between MIDI %d and %d are playable on frets %d-%d",
			ErrInvalidOpts, s.notes.Low, s.notes.High, opts.StartFret, opts.EndFret)
	}

	s.game.Opts = opts
	return nil
}

// New creates a game in Init whose only player is the host.
func New(id, hostID string, opts Opts, options ...Option) (*Session, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidOpts)
	}

	s := newSession(options)
	if err := s.setOpts(opts); err != nil {
		return nil, err
	}

	s.game.ID = id
	s.game.HostID = hostID
	s.game.Status = StatusInit
	s.game.PlayerIDs = []string{hostID}
	s.lastActive = s.now()

	return s, nil
}

// Restore rebuilds a session from a previously persisted game. In-progress
// round state is not durable, so a game with rounds comes back in RoundOver
// with its latest round closed, waiting for the host to advance.
func Restore(g Game, options ...Option) (*Session, error) {
	if g.Status.Terminal() {
		return nil, fmt.Errorf("%w: game %s already ended (%s)", ErrInvalidState, g.ID, g.Status)
	}
	if len(g.PlayerIDs) == 0 || g.HostID == "" {
		return nil, fmt.Errorf("%w: game %s has no players", ErrInvalidState, g.ID)
	}

	s := newSession(options)
	if err := s.setOpts(g.Opts); err != nil {
		return nil, err
	}
	if len(g.Rounds) > g.Opts.NumRounds {
		return nil, fmt.Errorf("%w: game %s has %d rounds, limit %d",
			ErrInvalidState, g.ID, len(g.Rounds), g.Opts.NumRounds)
	}

	s.game = g.clone()
	s.game.Status = StatusInit

	if r := s.game.CurrentRound(); r != nil {
		closed, winner := s.policy.Closed(r, s.game.PlayerIDs)
		r.Closed = true
		if closed {
			r.WinnerID = winner
		}
		s.game.Status = StatusRoundOver
	}

	if !s.game.IsMember(s.game.HostID) {
		s.game.HostID = s.game.PlayerIDs[0]
	}
	s.lastActive = s.now()

	return s, nil
}

func (s *Session) ID() string {
	return s.game.ID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.game.Status
}

func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.game.HostID
}

func (s *Session) IsMember(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.game.IsMember(playerID)
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActive
}

// Snapshot returns a deep copy of the game.
func (s *Session) Snapshot() Game {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.game.clone()
}

func (s *Session) deltaLocked() Delta {
	return Delta{
		GameID: s.game.ID,
		Status: s.game.Status,
		HostID: s.game.HostID,
	}
}

func (s *Session) setStatusLocked(d *Delta, status Status) {
	if s.game.Status == status {
		return
	}

	s.log.Debug().
		Str("game", s.game.ID).
		Stringer("from", s.game.Status).
		Stringer("to", status).
		Msg("status changed")

	s.game.Status = status
	d.Status = status
	d.StatusChanged = true
}

func (s *Session) startRoundLocked(d *Delta) {
	midi := s.playable[s.intN(len(s.playable))]

	spelling := theory.SpellSharp
	if s.intN(2) == 1 {
		spelling = theory.SpellFlat
	}

	s.game.Rounds = append(s.game.Rounds, Round{
		ID:      s.newID(),
		Note:    theory.FromMIDI(midi, spelling),
		Guesses: []Guess{},
	})

	r := s.game.CurrentRound().clone()
	d.Round = &r
	d.RoundStarted = true

	s.setStatusLocked(d, StatusPlaying)
}

// closeRoundIfDoneLocked consults the closure policy for the current round.
func (s *Session) closeRoundIfDoneLocked(d *Delta) {
	r := s.game.CurrentRound()
	if r == nil || r.Closed || s.game.Status != StatusPlaying {
		return
	}

	closed, winner := s.policy.Closed(r, s.game.PlayerIDs)
	if !closed {
		return
	}

	r.Closed = true
	r.WinnerID = winner

	rc := r.clone()
	d.Round = &rc
	d.RoundClosed = true
	d.WinnerID = winner

	s.setStatusLocked(d, StatusRoundOver)
}

// Start begins the first round. Only the host may start, and only from Init.
func (s *Session) Start(requesterID string) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requesterID != s.game.HostID {
		return Delta{}, ErrUnauthorized
	}
	if s.game.Status != StatusInit {
		return Delta{}, fmt.Errorf("%w: cannot start a game in %s", ErrInvalidState, s.game.Status)
	}

	d := s.deltaLocked()
	s.startRoundLocked(&d)
	s.lastActive = s.now()

	return d, nil
}

// Join adds a player while the game is in Init. Joining again is a no-op.
func (s *Session) Join(playerID string) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if playerID == "" {
		return Delta{}, fmt.Errorf("%w: missing player id", ErrNotAMember)
	}

	d := s.deltaLocked()

	if s.game.IsMember(playerID) {
		return d, nil
	}
	if s.game.Status != StatusInit {
		return Delta{}, ErrGameAlreadyStarted
	}

	s.game.PlayerIDs = append(s.game.PlayerIDs, playerID)
	d.Joined = playerID
	s.lastActive = s.now()

	return d, nil
}

// Leave removes a player at any status. An empty roster ends an unfinished
// game with NoPlayers; a game that has already ended keeps its status. If the
// host leaves, the longest-standing remaining player becomes host.
func (s *Session) Leave(playerID string) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.game.PlayerIDs, playerID)
	if i < 0 {
		return Delta{}, ErrNotAMember
	}

	s.game.PlayerIDs = slices.Delete(s.game.PlayerIDs, i, i+1)

	d := s.deltaLocked()
	d.Left = playerID

	if len(s.game.PlayerIDs) == 0 {
		if !s.game.Status.Terminal() {
			s.setStatusLocked(&d, StatusNoPlayers)
		}
		s.lastActive = s.now()
		return d, nil
	}

	if playerID == s.game.HostID {
		s.game.HostID = s.game.PlayerIDs[0]
		d.HostID = s.game.HostID
		d.HostChanged = true
	}

	s.closeRoundIfDoneLocked(&d)
	s.lastActive = s.now()

	return d, nil
}

// SubmitGuess records a player's answer for the current round and closes the
// round when the closure policy says so.
func (s *Session) SubmitGuess(playerID string, coord theory.FretCoord) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game.Status != StatusPlaying {
		return Delta{}, fmt.Errorf("%w: cannot guess while %s", ErrInvalidState, s.game.Status)
	}
	if !s.game.IsMember(playerID) {
		return Delta{}, ErrNotAMember
	}
	if !s.game.Opts.InRange(coord) || !s.validator.Playable(coord) {
		return Delta{}, fmt.Errorf("%w: string %d fret %d", ErrCoordOutOfRange, coord.String, coord.Fret)
	}

	r := s.game.CurrentRound()
	if _, ok := r.GuessBy(playerID); ok {
		return Delta{}, ErrDuplicateGuess
	}

	g := Guess{
		ID:        s.newID(),
		PlayerID:  playerID,
		RoundID:   r.ID,
		Coord:     coord,
		Correct:   s.validator.IsCorrect(r.Note, coord),
		CreatedAt: s.now(),
	}
	r.Guesses = append(r.Guesses, g)

	d := s.deltaLocked()
	d.Guess = &g
	rc := r.clone()
	d.Round = &rc

	s.closeRoundIfDoneLocked(&d)
	s.lastActive = s.now()

	return d, nil
}

// Advance moves a finished round on to the next one, or ends the game after
// the last round.
func (s *Session) Advance(requesterID string) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requesterID != s.game.HostID {
		return Delta{}, ErrUnauthorized
	}
	if s.game.Status != StatusRoundOver {
		return Delta{}, fmt.Errorf("%w: cannot advance while %s", ErrInvalidState, s.game.Status)
	}

	d := s.deltaLocked()
	if len(s.game.Rounds) >= s.game.Opts.NumRounds {
		s.setStatusLocked(&d, StatusGameOver)
	} else {
		s.startRoundLocked(&d)
	}
	s.lastActive = s.now()

	return d, nil
}
