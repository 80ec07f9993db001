package actor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSerializesClosures(t *testing.T) {
	l := New(8)
	defer l.Close()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Do(func() { counter++ }))
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Do(func() { got = counter }))
	assert.Equal(t, 100, got)
}

func TestLoopPreservesOrderFromOneCaller(t *testing.T) {
	l := New(0)
	defer l.Close()

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, l.Do(func() { seen = append(seen, i) }))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestLoopClosed(t *testing.T) {
	l := New(1)
	assert.False(t, l.Closed())
	l.Close()
	l.Close()

	assert.True(t, l.Closed())
	ran := false
	err := l.Do(func() { ran = true })
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, ran)
}

func TestLoopPostDoesNotWait(t *testing.T) {
	l := New(4)
	defer l.Close()

	release := make(chan struct{})
	var seen []int
	require.NoError(t, l.Post(func() { <-release }))
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, l.Post(func() { seen = append(seen, i) }))
	}
	close(release)

	var got []int
	require.NoError(t, l.Do(func() { got = append(got, seen...) }))
	assert.Equal(t, []int{0, 1, 2}, got)

	l.Close()
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
}
