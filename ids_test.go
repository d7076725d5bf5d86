package perfwatch

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDAllocator_Sequence(t *testing.T) {
	a := NewIDAllocator()
	for i := 0; i < 5; i++ {
		require.Equal(t, strconv.Itoa(i), a.Next())
	}

	a.Reset()
	require.Equal(t, "0", a.Next())
}

func TestIDAllocator_ConcurrentUnique(t *testing.T) {
	a := NewIDAllocator()
	const workers, per = 8, 250

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id := a.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
	require.Equal(t, strconv.Itoa(workers*per), a.Next())
}
