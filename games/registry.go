/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package games

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const gameIDLength = 8

// Registry holds the live sessions keyed by game ID. Its lock only guards the
// map itself, so operations on different games never contend.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// newIDLocked generates a crypto-random game ID that doesn't collide with an
// existing game.
func (r *Registry) newIDLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	for {
		out := make([]byte, 0, gameIDLength)
		buf := make([]byte, gameIDLength*2)

		for len(out) < gameIDLength {
			if _, err := rand.Read(buf); err != nil {
				panic("crypto/rand failure: " + err.Error())
			}
			for _, b := range buf {
				if b <= max && len(out) < gameIDLength {
					out = append(out, letters[int(b)%len(letters)])
				}
			}
		}

		id := string(out)
		if _, exists := r.sessions[id]; !exists {
			return id
		}
	}
}

// Create starts a new game hosted by hostID under a fresh ID.
func (r *Registry) Create(hostID string, opts Opts, options ...Option) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newIDLocked()

	s, err := New(id, hostID, opts, options...)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s

	r.log.Info().Str("game", id).Str("host", hostID).Msg("game created")

	return s, nil
}

// GetOrCreate returns the live session for id, calling factory to build one
// if none exists. Concurrent callers for the same id all observe the same
// session; created is true only for the caller whose factory result was
// stored. factory runs with the registry locked and must not block.
func (r *Registry) GetOrCreate(id string, factory func(id string) (*Session, error)) (s *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}

	s, err = factory(id)
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s

	r.log.Debug().Str("game", id).Msg("session registered")

	return s, true, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	return s, nil
}

// Evict removes a session that has reached a terminal status. It reports
// whether the session was removed.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.Status().Terminal() {
		return false
	}
	delete(r.sessions, id)

	r.log.Info().Str("game", id).Msg("game evicted")

	return true
}

// Remove drops a session regardless of its status.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Idle returns the sessions whose last activity precedes cutoff.
func (r *Registry) Idle(cutoff time.Time) []*Session {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var idle []*Session
	for _, s := range all {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
