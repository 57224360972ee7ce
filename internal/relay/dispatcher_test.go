package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGocronDispatcherReleasesFiredJobs(t *testing.T) {
	t.Parallel()

	d, err := NewGocronDispatcher(nil)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Shutdown() })

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := range 20 {
		wg.Add(1)
		fn := func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		}
		if i == 0 {
			fn = func() {
				defer wg.Done()
				mu.Lock()
				ran++
				mu.Unlock()
				panic("boom")
			}
		}
		require.NoError(t, d.Schedule("job", time.Now(), fn))
	}

	waitTimeout(t, &wg, 5*time.Second)
	require.Equal(t, 20, ran)
	require.Eventually(t, func() bool { return d.Armed() == 0 }, 5*time.Second, 10*time.Millisecond,
		"fired jobs must not stay registered")
}

func TestGocronDispatcherRunsFutureJobOnce(t *testing.T) {
	t.Parallel()

	d, err := NewGocronDispatcher(nil)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Shutdown() })

	done := make(chan struct{}, 2)
	require.NoError(t, d.Schedule("later", time.Now().Add(100*time.Millisecond), func() { done <- struct{}{} }))
	require.Equal(t, 1, d.Armed())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	require.Eventually(t, func() bool { return d.Armed() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, done, "one-time job ran twice")
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for jobs")
	}
}
