package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMapSerializesSameKey(t *testing.T) {
	require := require.New(t)
	m := NewMap()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a")
			c := counter
			time.Sleep(time.Microsecond)
			counter = c + 1
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(50, counter)
	require.Equal(0, m.Len())
}

func TestMapDistinctKeysDoNotBlock(t *testing.T) {
	require := require.New(t)
	m := NewMap()
	unlockA := m.Lock("a")
	done := make(chan bool)
	go func() {
		unlockB := m.Lock("b")
		unlockB()
		done <- true
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail("lock on b blocked behind a")
	}
	unlockA()
}

func TestWaitGroupsCoalesce(t *testing.T) {
	require := require.New(t)
	g := NewWaitGroups()
	w1, created1 := g.Join("k")
	w2, created2 := g.Join("k")
	require.True(created1)
	require.False(created2)
	require.Same(w1, w2)
	require.True(g.Pending("k"))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, w := range []*Wait{w1, w2} {
		wg.Add(1)
		go func(w *Wait) {
			defer wg.Done()
			results <- w.WaitContext(context.Background())
		}(w)
	}
	require.True(g.Resolve("k", nil))
	wg.Wait()
	require.Nil(<-results)
	require.Nil(<-results)
	require.False(g.Pending("k"))
	require.False(g.Resolve("k", nil))
}

func TestWaitCancelDetachesOnlyCaller(t *testing.T) {
	require := require.New(t)
	g := NewWaitGroups()
	w, _ := g.Join("k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(w.WaitContext(ctx), context.DeadlineExceeded)
	require.True(g.Pending("k"))

	boom := errors.New("withheld")
	g.Resolve("k", boom)
	require.ErrorIs(w.WaitContext(context.Background()), boom)
	require.ErrorIs(w.Err(), boom)
}
