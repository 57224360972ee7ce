package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgard/relaybot/internal/database"
)

type memoryWindow struct {
	mu      sync.Mutex
	entries map[string][]int64
	failAll bool
}

func newMemoryWindow() *memoryWindow {
	return &memoryWindow{entries: make(map[string][]int64)}
}

func (m *memoryWindow) ListRateEntries(_ context.Context, botID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("store down")
	}
	out := append([]int64(nil), m.entries[botID]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memoryWindow) AddRateEntry(_ context.Context, botID string, atMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("store down")
	}
	m.entries[botID] = append(m.entries[botID], atMs)
	return nil
}

func (m *memoryWindow) PurgeRateEntries(_ context.Context, botID string, beforeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("store down")
	}
	kept := m.entries[botID][:0]
	for _, e := range m.entries[botID] {
		if e >= beforeMs {
			kept = append(kept, e)
		}
	}
	m.entries[botID] = kept
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first call admitted, second waits for the window", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: time.UnixMilli(10_000)}
		l := New(newMemoryWindow(), time.Second, 1, nil, WithClock(clock.Now))

		if d := l.Admit(ctx, "a"); !d.Allowed {
			t.Fatalf("first Admit = %+v, want allowed", d)
		}

		clock.Advance(300 * time.Millisecond)
		d := l.Admit(ctx, "a")
		if d.Allowed {
			t.Fatal("second Admit within window should be denied")
		}
		if d.Wait != 700*time.Millisecond {
			t.Errorf("Wait = %s, want 700ms", d.Wait)
		}

		clock.Advance(700 * time.Millisecond)
		if d := l.Admit(ctx, "a"); !d.Allowed {
			t.Errorf("Admit after window = %+v, want allowed", d)
		}
	})

	t.Run("bots are limited independently", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: time.UnixMilli(0)}
		l := New(newMemoryWindow(), time.Second, 1, nil, WithClock(clock.Now))

		if !l.Admit(ctx, "a").Allowed || !l.Admit(ctx, "b").Allowed {
			t.Fatal("distinct bots should both be admitted")
		}
	})

	t.Run("capacity greater than one", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: time.UnixMilli(5_000)}
		l := New(newMemoryWindow(), 2*time.Second, 3, nil, WithClock(clock.Now))

		for i := range 3 {
			if !l.Admit(ctx, "a").Allowed {
				t.Fatalf("Admit #%d should be allowed", i+1)
			}
			clock.Advance(100 * time.Millisecond)
		}
		d := l.Admit(ctx, "a")
		if d.Allowed {
			t.Fatal("fourth Admit should be denied")
		}
		if d.Wait < 0 || d.Wait > 2*time.Second {
			t.Errorf("Wait = %s out of [0, window]", d.Wait)
		}
		if d.Wait != 1700*time.Millisecond {
			t.Errorf("Wait = %s, want 1.7s", d.Wait)
		}
	})

	t.Run("storage failure fails open", func(t *testing.T) {
		t.Parallel()
		store := newMemoryWindow()
		store.failAll = true
		l := New(store, time.Second, 1, nil)

		for range 3 {
			if !l.Admit(ctx, "a").Allowed {
				t.Fatal("Admit should fail open")
			}
		}
	})
}

func TestWaitForAdmission(t *testing.T) {
	t.Parallel()

	t.Run("waits once then records", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: time.UnixMilli(1_000)}
		store := newMemoryWindow()
		var slept []time.Duration
		l := New(store, time.Second, 1, nil,
			WithClock(clock.Now),
			WithSleep(func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				clock.Advance(d)
				return nil
			}),
		)

		ctx := context.Background()
		if err := l.WaitForAdmission(ctx, "a"); err != nil {
			t.Fatalf("first WaitForAdmission: %v", err)
		}
		clock.Advance(250 * time.Millisecond)
		if err := l.WaitForAdmission(ctx, "a"); err != nil {
			t.Fatalf("second WaitForAdmission: %v", err)
		}

		if len(slept) != 1 || slept[0] != 750*time.Millisecond {
			t.Errorf("slept = %v, want [750ms]", slept)
		}
		entries, _ := store.ListRateEntries(ctx, "a")
		if len(entries) != 2 {
			t.Errorf("recorded %d admissions, want 2", len(entries))
		}
	})

	t.Run("slot taken while sleeping is waited for again", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{now: time.UnixMilli(1_000)}
		store := newMemoryWindow()
		var slept []time.Duration
		var l *Limiter
		l = New(store, time.Second, 1, nil,
			WithClock(clock.Now),
			WithSleep(func(ctx context.Context, d time.Duration) error {
				slept = append(slept, d)
				clock.Advance(d)
				if len(slept) == 1 {
					// another sender grabs the freed slot first
					if !l.Admit(ctx, "a").Allowed {
						t.Error("competing Admit should take the freed slot")
					}
				}
				return nil
			}),
		)

		ctx := context.Background()
		if err := l.WaitForAdmission(ctx, "a"); err != nil {
			t.Fatalf("first WaitForAdmission: %v", err)
		}
		if err := l.WaitForAdmission(ctx, "a"); err != nil {
			t.Fatalf("second WaitForAdmission: %v", err)
		}

		if len(slept) != 2 || slept[0] != time.Second || slept[1] != time.Second {
			t.Errorf("slept = %v, want [1s 1s]", slept)
		}
		entries, _ := store.ListRateEntries(ctx, "a")
		for i := 1; i < len(entries); i++ {
			if gap := entries[i] - entries[i-1]; gap < 1_000 {
				t.Errorf("admissions %d and %d are %dms apart, want >= 1000", i-1, i, gap)
			}
		}
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		t.Parallel()
		l := New(newMemoryWindow(), time.Hour, 1, nil)

		ctx, cancel := context.WithCancel(context.Background())
		if err := l.WaitForAdmission(ctx, "a"); err != nil {
			t.Fatalf("first WaitForAdmission: %v", err)
		}
		cancel()
		if err := l.WaitForAdmission(ctx, "a"); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestAdmitWithDatabaseWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "rate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	clock := &fakeClock{now: time.UnixMilli(10_000)}
	l := New(database.NewStore(db, nil), time.Second, 1, nil, WithClock(clock.Now))

	require.True(t, l.Admit(ctx, "a").Allowed)

	clock.Advance(300 * time.Millisecond)
	d := l.Admit(ctx, "a")
	require.False(t, d.Allowed)
	require.Equal(t, 700*time.Millisecond, d.Wait)

	clock.Advance(d.Wait)
	require.True(t, l.Admit(ctx, "a").Allowed, "waiting the returned delay frees the slot")

	clock.Advance(time.Millisecond)
	d = l.Admit(ctx, "a")
	require.False(t, d.Allowed)
	require.Positive(t, d.Wait, "a denial always carries a wait")
}
