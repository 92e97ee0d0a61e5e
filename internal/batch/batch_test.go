package batch

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAddWithinCapacity(t *testing.T) {
	t.Parallel()

	b := New(4)
	require.True(t, b.TryAdd("ab"))
	require.True(t, b.TryAdd("cd"))
	require.Equal(t, "abcd", b.MakeBatch())
	require.Equal(t, "", b.MakeBatch())
}

func TestTryAddRejectsWhenFull(t *testing.T) {
	t.Parallel()

	b := New(4)
	require.True(t, b.TryAdd("abcd"))
	require.False(t, b.TryAdd("a"))
	require.Equal(t, "abcd", b.MakeBatch())

	require.True(t, b.TryAdd("f"))
	require.Equal(t, "f", b.MakeBatch())
}

func TestTryAddFragmentLargerThanCapacity(t *testing.T) {
	t.Parallel()

	b := New(2)
	require.False(t, b.TryAdd("abc"))
	require.Equal(t, 0, b.Len())
	require.Equal(t, "", b.MakeBatch())
}

func TestLineBatchingAtCallSite(t *testing.T) {
	t.Parallel()

	b := New(10)
	lines := []string{"one\n", "two\n", "three\n", "four\n"}

	var batches []string
	for _, line := range lines {
		if b.TryAdd(line) {
			continue
		}
		batches = append(batches, b.MakeBatch())
		require.True(t, b.TryAdd(line))
	}
	batches = append(batches, b.MakeBatch())

	require.Equal(t, []string{"one\ntwo\n", "three\n", "four\n"}, batches)
	for _, batch := range batches {
		require.True(t, strings.HasSuffix(batch, "\n"))
		require.LessOrEqual(t, len(batch), b.Cap())
	}
}

func TestConcurrentAddNeverExceedsCapacity(t *testing.T) {
	b := New(100)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.TryAdd("xyz")
				assert.LessOrEqual(t, b.Len(), 100)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 99, len(b.MakeBatch()))
}
