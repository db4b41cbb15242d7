package registry

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type instance struct {
	name string
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	r := New(func(name string) (*instance, error) {
		return &instance{name: name}, nil
	})

	first, err := r.GetOrCreate("a")
	require.NoError(t, err)
	second, err := r.GetOrCreate("a")
	require.NoError(t, err)

	require.Same(t, first, second)
}

func TestRegistry_ConcurrentFirstAccessBuildsOnce(t *testing.T) {
	var constructions atomic.Int64
	r := New(func(name string) (*instance, error) {
		constructions.Add(1)
		return &instance{name: name}, nil
	})

	var group errgroup.Group
	results := make([]*instance, 32)
	for i := 0; i < 32; i++ {
		i := i
		group.Go(func() error {
			built, err := r.GetOrCreate("shared")
			results[i] = built
			return err
		})
	}
	require.NoError(t, group.Wait())

	require.Equal(t, int64(1), constructions.Load())
	for _, result := range results {
		require.Same(t, results[0], result)
	}
}

func TestRegistry_BuildErrorIsNotCached(t *testing.T) {
	fail := true
	r := New(func(name string) (*instance, error) {
		if fail {
			return nil, errors.New("backend unavailable")
		}
		return &instance{name: name}, nil
	})

	_, err := r.GetOrCreate("x")
	require.Error(t, err)

	_, ok := r.Get("x")
	require.False(t, ok)

	fail = false
	built, err := r.GetOrCreate("x")
	require.NoError(t, err)
	require.NotNil(t, built)
}

func TestRegistry_RemoveAndReplace(t *testing.T) {
	r := New(func(name string) (*instance, error) {
		return &instance{name: name}, nil
	})

	original, err := r.GetOrCreate("a")
	require.NoError(t, err)

	replacement := &instance{name: "a-v2"}
	displaced, ok := r.Replace("a", replacement)
	require.True(t, ok)
	require.Same(t, original, displaced)

	got, ok := r.Get("a")
	require.True(t, ok)
	require.Same(t, replacement, got)

	removed, ok := r.Remove("a")
	require.True(t, ok)
	require.Same(t, replacement, removed)

	_, ok = r.Get("a")
	require.False(t, ok)
}

func TestRegistry_Names(t *testing.T) {
	r := New(func(name string) (*instance, error) {
		return &instance{name: name}, nil
	})

	for _, name := range []string{"c", "a", "b"} {
		_, err := r.GetOrCreate(name)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b", "c"}, r.Names())
}
