package games

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	s, err := r.Create("host", DefaultOpts())
	require.NoError(t, err)
	assert.Len(t, s.ID(), gameIDLength)

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Create("host", Opts{NumRounds: 0})
	assert.ErrorIs(t, err, ErrInvalidOpts)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUniqueIDs(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	seen := make(map[string]bool)
	for range 500 {
		s, err := r.Create("host", DefaultOpts())
		require.NoError(t, err)
		assert.False(t, seen[s.ID()])
		seen[s.ID()] = true
	}
	assert.Equal(t, 500, r.Len())
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestRegistryGetOrCreateRace(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	const callers = 64

	var (
		calls    atomic.Int32
		created  atomic.Int32
		wg       sync.WaitGroup
		sessions = make([]*Session, callers)
	)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s, ok, err := r.GetOrCreate("shared", func(id string) (*Session, error) {
				calls.Add(1)
				return New(id, "host", DefaultOpts())
			})
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), created.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetOrCreateFactoryError(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	boom := errors.New("boom")

	_, _, err := r.GetOrCreate("x", func(string) (*Session, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = r.Get("x")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestRegistryEvict(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	s, err := r.Create("host", DefaultOpts())
	require.NoError(t, err)

	assert.False(t, r.Evict(s.ID()), "live sessions stay")

	_, err = s.Leave("host")
	require.NoError(t, err)

	assert.True(t, r.Evict(s.ID()))
	assert.False(t, r.Evict(s.ID()))

	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestRegistryIdle(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	old := time.Now().Add(-time.Hour)
	stale, _, err := r.GetOrCreate("stale", func(id string) (*Session, error) {
		return New(id, "host", DefaultOpts(), WithClock(func() time.Time { return old }))
	})
	require.NoError(t, err)

	_, err = r.Create("host", DefaultOpts())
	require.NoError(t, err)

	idle := r.Idle(time.Now().Add(-time.Minute))
	require.Len(t, idle, 1)
	assert.Same(t, stale, idle[0])

	r.Remove("stale")
	assert.Equal(t, 1, r.Len())
}
