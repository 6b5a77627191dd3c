package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterMarkSeen(t *testing.T) {
	t.Parallel()

	f := New()
	require.False(t, f.SeenBefore("a"))
	f.MarkSeen("a")
	f.MarkSeen("a")
	require.True(t, f.SeenBefore("a"))
	require.Equal(t, 1, f.Len())
}

func TestFilterTryMark(t *testing.T) {
	t.Parallel()

	f := New()
	require.True(t, f.TryMark("a"))
	require.False(t, f.TryMark("a"))
	require.True(t, f.TryMark("b"))
	require.Equal(t, 2, f.Len())
}

func TestFilterTryMarkConcurrent(t *testing.T) {
	t.Parallel()

	f := New()
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.TryMark("same") {
				wins.Add(1)
			}
			f.TryMark(fmt.Sprintf("unique-%d", i))
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), wins.Load())
	require.Equal(t, 65, f.Len())
}
