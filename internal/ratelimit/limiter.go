// Package ratelimit implements a per-bot sliding-window limiter backed by the
// shared database, so admission state survives restarts.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/relaybot/internal/logger"
)

// WindowStore is the persistence the limiter needs; database.Store satisfies it.
type WindowStore interface {
	ListRateEntries(ctx context.Context, botID string) ([]int64, error)
	AddRateEntry(ctx context.Context, botID string, admittedAtMs int64) error
	PurgeRateEntries(ctx context.Context, botID string, beforeMs int64) error
}

// Decision is the outcome of an admission check.
// When Allowed is false, Wait is how long until a slot frees up (0 <= Wait <= window).
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// Limiter admits at most Capacity sends per bot within any Window.
type Limiter struct {
	store    WindowStore
	window   time.Duration
	capacity int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware wait used by WaitForAdmission.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// New creates a limiter. Non-positive window or capacity fall back to 1s and 1.
func New(store WindowStore, window time.Duration, capacity int, log *slog.Logger, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = logger.Discard()
	}

	l := &Limiter{
		store:    store,
		window:   window,
		capacity: capacity,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   log.With("component", "rate_limiter"),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window width.
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) botLock(botID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[botID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[botID] = m
	}
	return m
}

// Admit checks whether botID may send now. An admitted call is recorded.
// Storage failures fail open.
func (l *Limiter) Admit(ctx context.Context, botID string) Decision {
	lock := l.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	return l.admitLocked(ctx, botID, l.now())
}

func (l *Limiter) admitLocked(ctx context.Context, botID string, now time.Time) Decision {
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	// An entry admitted exactly one window ago no longer counts.
	if err := l.store.PurgeRateEntries(ctx, botID, nowMs-windowMs+1); err != nil {
		l.logger.WarnContext(ctx, "Rate window purge failed, admitting", "bot_id", botID, "error", err)
		return Decision{Allowed: true}
	}

	entries, err := l.store.ListRateEntries(ctx, botID)
	if err != nil {
		l.logger.WarnContext(ctx, "Rate window read failed, admitting", "bot_id", botID, "error", err)
		return Decision{Allowed: true}
	}

	if len(entries) >= l.capacity {
		oldest := entries[0]
		wait := time.Duration(oldest+windowMs-nowMs) * time.Millisecond
		wait = min(max(wait, 0), l.window)
		l.logger.DebugContext(ctx, "Rate limit reached", "bot_id", botID, "entries", len(entries), "wait", wait)
		return Decision{Allowed: false, Wait: wait}
	}

	l.record(ctx, botID, nowMs)
	return Decision{Allowed: true}
}

func (l *Limiter) record(ctx context.Context, botID string, atMs int64) {
	if err := l.store.AddRateEntry(ctx, botID, atMs); err != nil {
		l.logger.WarnContext(ctx, "Failed to record rate window entry", "bot_id", botID, "error", err)
	}
}

// WaitForAdmission blocks until botID may send, then records the admission.
// An uncontended caller waits once for the computed delay; a caller that loses
// the freed slot to a concurrent one waits again. It only fails when ctx ends.
func (l *Limiter) WaitForAdmission(ctx context.Context, botID string) error {
	for {
		decision := l.Admit(ctx, botID)
		if decision.Allowed {
			return nil
		}

		if err := l.sleep(ctx, max(decision.Wait, time.Millisecond)); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
