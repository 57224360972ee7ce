package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgard/relaybot/internal/bot/tasks"
	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/logger"
)

type blockingServer struct{ err error }

func (s blockingServer) Run(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

type fakeQueue struct {
	started, stopped atomic.Bool
}

func (q *fakeQueue) Start(context.Context) error { q.started.Store(true); return nil }
func (q *fakeQueue) Stop() error                 { q.stopped.Store(true); return nil }

type fakePlatform struct{ closed atomic.Bool }

func (p *fakePlatform) Close() { p.closed.Store(true) }

func newTestScheduler(t *testing.T, taskMap map[string]tasks.ScheduledTaskFunc) *Scheduler {
	t.Helper()
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"noop":     {Enabled: true, Schedule: "*/5 * * * *"},
		"disabled": {Enabled: false, Schedule: "*/5 * * * *"},
		"unknown":  {Enabled: true, Schedule: "*/5 * * * *"},
	}}
	s, err := NewScheduler(logger.Discard(), cfg, taskMap)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return s
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, map[string]tasks.ScheduledTaskFunc{
		"noop": func(context.Context) error { return nil },
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if n := len(s.scheduler.Jobs()); n != 1 {
		t.Errorf("scheduled %d jobs, want 1", n)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on stopped scheduler = %v", err)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	queue := &fakeQueue{}
	platform := &fakePlatform{}
	b := NewBot(logger.Discard(), blockingServer{}, queue, platform, newTestScheduler(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if !queue.started.Load() || !queue.stopped.Load() {
		t.Error("relay queue not started and stopped")
	}
	if !platform.closed.Load() {
		t.Error("platform not closed")
	}
}

func TestRunReturnsServerError(t *testing.T) {
	t.Parallel()
	want := errors.New("address in use")
	b := NewBot(logger.Discard(), blockingServer{err: want}, &fakeQueue{}, &fakePlatform{}, newTestScheduler(t, nil))

	if err := b.Run(context.Background()); !errors.Is(err, want) {
		t.Errorf("Run() error = %v, want %v", err, want)
	}
}
