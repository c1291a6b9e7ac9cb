/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/fretquiz/games"
)

// Failure describes a write that was given up on.
type Failure struct {
	GameID   string
	PlayerID string // player whose action produced the write, if any
	Op       string
	Err      error
}

type job struct {
	op        string
	initiator string
	retry     bool
	do        func(ctx context.Context) error
}

type RecorderOption func(*Recorder)

// WithRetry sets how many times a write is attempted and the delay before
// the first retry. The delay doubles after each failed attempt.
func WithRetry(attempts int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.attempts = max(attempts, 1)
		r.backoff = backoff
	}
}

func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.timeout = d
	}
}

func WithFailureHandler(fn func(Failure)) RecorderOption {
	return func(r *Recorder) {
		r.onFailure = fn
	}
}

func WithRecorderLogger(l zerolog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.log = l
	}
}

// Recorder writes game history in the background. Writes for one game are
// applied in the order they were recorded; writes for different games run
// independently. Nothing here blocks gameplay.
type Recorder struct {
	gw Gateway

	attempts  int
	backoff   time.Duration
	timeout   time.Duration
	onFailure func(Failure)
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string][]job // a key is present while its drain goroutine runs
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(gw Gateway, opts ...RecorderOption) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Recorder{
		gw:       gw,
		attempts: 5,
		backoff:  100 * time.Millisecond,
		timeout:  5 * time.Second,
		log:      zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string][]job),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) enqueue(gameID string, j job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.Warn().Str("game", gameID).Str("op", j.op).Msg("recorder closed, dropping write")
		return
	}

	q, running := r.queues[gameID]
	r.queues[gameID] = append(q, j)

	if !running {
		r.wg.Add(1)
		go r.drain(gameID)
	}
}

func (r *Recorder) drain(gameID string) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		q := r.queues[gameID]
		if len(q) == 0 {
			delete(r.queues, gameID)
			r.mu.Unlock()
			return
		}
		j := q[0]
		r.queues[gameID] = q[1:]
		r.mu.Unlock()

		r.run(gameID, j)
	}
}

func (r *Recorder) attempt(j job) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	return j.do(ctx)
}

func (r *Recorder) run(gameID string, j job) {
	var err error

	delay := r.backoff
	for attempt := 1; ; attempt++ {
		if err = r.attempt(j); err == nil {
			return
		}
		if !j.retry || attempt >= r.attempts || r.ctx.Err() != nil {
			break
		}

		r.log.Warn().Err(err).
			Str("game", gameID).
			Str("op", j.op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("write failed")

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
		}
		delay *= 2
	}

	f := Failure{
		GameID:   gameID,
		PlayerID: j.initiator,
		Op:       j.op,
		Err:      fmt.Errorf("%w: %s: %w", ErrPersistenceDegraded, j.op, err),
	}

	r.log.Error().Err(err).Str("game", gameID).Str("op", j.op).Msg("giving up on write")

	if r.onFailure != nil {
		r.onFailure(f)
	}
}

// Busy reports whether writes for gameID are queued or in flight.
func (r *Recorder) Busy(gameID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, running := r.queues[gameID]
	return running
}

// AfterPending calls fn once every write recorded so far for gameID has
// finished, successfully or not.
func (r *Recorder) AfterPending(gameID string, fn func()) {
	r.enqueue(gameID, job{
		op: "callback",
		do: func(context.Context) error {
			fn()
			return nil
		},
	})
}

func (r *Recorder) RecordGame(g games.Game) {
	r.enqueue(g.ID, job{
		op:        "create game",
		initiator: g.HostID,
		retry:     true,
		do: func(ctx context.Context) error {
			_, err := r.gw.CreateGame(ctx, g)
			return err
		},
	})
}

// RecordDelta queues the durable facts contained in d. initiator is the
// player whose action produced it.
func (r *Recorder) RecordDelta(d games.Delta, initiator string) {
	if d.Joined != "" {
		player := d.Joined
		r.enqueue(d.GameID, job{
			op:        "add player",
			initiator: initiator,
			retry:     true,
			do: func(ctx context.Context) error {
				return r.gw.AddPlayer(ctx, d.GameID, player)
			},
		})
	}

	if d.RoundStarted && d.Round != nil {
		round := *d.Round
		r.enqueue(d.GameID, job{
			op:        "append round",
			initiator: initiator,
			retry:     true,
			do: func(ctx context.Context) error {
				_, err := r.gw.AppendRound(ctx, d.GameID, round)
				return err
			},
		})
	}

	if d.Guess != nil {
		guess := *d.Guess
		r.enqueue(d.GameID, job{
			op:        "append guess",
			initiator: initiator,
			retry:     true,
			do: func(ctx context.Context) error {
				_, err := r.gw.AppendGuess(ctx, guess.RoundID, guess)
				return err
			},
		})
	}

	if d.StatusChanged && d.Status.Terminal() {
		status := d.Status
		r.enqueue(d.GameID, job{
			op:        "finish game",
			initiator: initiator,
			retry:     true,
			do: func(ctx context.Context) error {
				return r.gw.FinishGame(ctx, d.GameID, status)
			},
		})
	}
}

// Close stops accepting writes and waits for queued ones to finish. If ctx
// expires first, in-flight writes are cancelled.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
