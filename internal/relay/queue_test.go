package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgard/relaybot/internal/database"
)

type armedJob struct {
	id string
	at time.Time
	fn func()
}

// manualDispatcher runs armed jobs only when the test asks, in arming order.
type manualDispatcher struct {
	mu      sync.Mutex
	pending []armedJob
	started bool
}

func (d *manualDispatcher) Schedule(id string, at time.Time, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, armedJob{id: id, at: at, fn: fn})
	return nil
}

func (d *manualDispatcher) Start()          { d.started = true }
func (d *manualDispatcher) Shutdown() error { return nil }

func (d *manualDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *manualDispatcher) Peek() armedJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[0]
}

// RunNext executes the oldest armed job and reports whether one existed.
func (d *manualDispatcher) RunNext() bool {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return false
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()

	next.fn()
	return true
}

type memoryQueueStore struct {
	mu   sync.Mutex
	recs map[string]*database.RelayJobRecord
	keys map[string]bool
}

func newMemoryQueueStore() *memoryQueueStore {
	return &memoryQueueStore{recs: map[string]*database.RelayJobRecord{}, keys: map[string]bool{}}
}

func (m *memoryQueueStore) InsertRelayJob(_ context.Context, rec *database.RelayJobRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[rec.IdempotencyKey] {
		return false, nil
	}
	m.keys[rec.IdempotencyKey] = true
	cp := *rec
	m.recs[rec.ID] = &cp
	return true, nil
}

func (m *memoryQueueStore) GetRelayJob(_ context.Context, id string) (*database.RelayJobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryQueueStore) UpdateRelayJob(_ context.Context, rec *database.RelayJobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memoryQueueStore) ListUnfinishedRelayJobs(context.Context) ([]database.RelayJobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.RelayJobRecord
	for _, rec := range m.recs {
		if rec.Status == database.JobStatusPending || rec.Status == database.JobStatusRunning {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memoryQueueStore) CountUnfinishedRelayJobs(_ context.Context, keyPrefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.recs {
		if strings.HasPrefix(rec.IdempotencyKey, keyPrefix) &&
			(rec.Status == database.JobStatusPending || rec.Status == database.JobStatusRunning) {
			n++
		}
	}
	return n, nil
}

func (m *memoryQueueStore) PurgeRelayJobs(_ context.Context, status string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.recs {
		if rec.Status == status && rec.FinishedAt.Valid && rec.FinishedAt.Time.Before(before) {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryQueueStore) get(t *testing.T, id string) database.RelayJobRecord {
	t.Helper()
	rec, _ := m.GetRelayJob(context.Background(), id)
	if rec == nil {
		t.Fatalf("relay job %s not found", id)
	}
	return *rec
}

func newTestQueue(handler Handler) (*Queue, *memoryQueueStore, *manualDispatcher) {
	store := newMemoryQueueStore()
	disp := &manualDispatcher{}
	q := NewQueue(store, disp, QueueOptions{MaxAttempts: 3, BackoffBase: time.Second}, nil)
	q.SetHandler(handler)
	return q, store, disp
}

func TestQueueEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, disp := newTestQueue(func(context.Context, Job) error { return nil })

	id, ok, err := q.Enqueue(ctx, "1:a:5", Job{BotID: "a"}, time.Second)
	if err != nil || !ok || id == "" {
		t.Fatalf("first Enqueue = %q, %v, %v", id, ok, err)
	}
	_, ok, err = q.Enqueue(ctx, "1:a:5", Job{BotID: "a"}, time.Second)
	if err != nil || ok {
		t.Fatalf("duplicate Enqueue = %v, %v; want ignored", ok, err)
	}
	if disp.Len() != 1 {
		t.Errorf("armed %d jobs, want 1", disp.Len())
	}
}

func TestQueueOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success completes", func(t *testing.T) {
		t.Parallel()
		var got Job
		q, store, disp := newTestQueue(func(_ context.Context, job Job) error {
			got = job
			return nil
		})

		id, _, _ := q.Enqueue(ctx, "k", Job{BotID: "a", ChatID: -5, Kind: KindFirst}, 0)
		disp.RunNext()

		rec := store.get(t, id)
		if rec.Status != database.JobStatusCompleted || rec.Attempts != 1 || !rec.FinishedAt.Valid {
			t.Errorf("record = %+v, want completed after one attempt", rec)
		}
		if got.BotID != "a" || got.ChatID != -5 || got.Kind != KindFirst {
			t.Errorf("handler received %+v", got)
		}
	})

	t.Run("transient error retries with exponential backoff", func(t *testing.T) {
		t.Parallel()
		calls := 0
		q, store, disp := newTestQueue(func(context.Context, Job) error {
			calls++
			if calls < 3 {
				return Transient("send", errors.New("flaky"))
			}
			return nil
		})
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		q.now = func() time.Time { return now }

		id, _, _ := q.Enqueue(ctx, "k", Job{BotID: "a"}, 0)

		disp.RunNext()
		if rec := store.get(t, id); rec.Status != database.JobStatusPending || !rec.RunAt.Equal(now.Add(time.Second)) {
			t.Fatalf("after attempt 1: %+v, want pending at +1s", rec)
		}
		if at := disp.Peek().at; !at.Equal(now.Add(time.Second)) {
			t.Errorf("re-armed at %s, want +1s", at)
		}

		disp.RunNext()
		if rec := store.get(t, id); !rec.RunAt.Equal(now.Add(2 * time.Second)) {
			t.Fatalf("after attempt 2: run_at %s, want +2s", rec.RunAt)
		}

		disp.RunNext()
		rec := store.get(t, id)
		if rec.Status != database.JobStatusCompleted || rec.Attempts != 3 {
			t.Errorf("final record = %+v, want completed after 3 attempts", rec)
		}
	})

	t.Run("transient errors exhaust attempts", func(t *testing.T) {
		t.Parallel()
		q, store, disp := newTestQueue(func(context.Context, Job) error {
			return Transient("send", errors.New("still down"))
		})

		id, _, _ := q.Enqueue(ctx, "k", Job{BotID: "a"}, 0)
		for disp.RunNext() {
		}

		rec := store.get(t, id)
		if rec.Status != database.JobStatusFailed || rec.Attempts != 3 || rec.LastError == "" {
			t.Errorf("record = %+v, want failed after 3 attempts", rec)
		}
	})

	t.Run("non transient error fails immediately", func(t *testing.T) {
		t.Parallel()
		q, store, disp := newTestQueue(func(context.Context, Job) error {
			return errors.New("bad payload")
		})

		id, _, _ := q.Enqueue(ctx, "k", Job{BotID: "a"}, 0)
		disp.RunNext()

		if rec := store.get(t, id); rec.Status != database.JobStatusFailed || rec.Attempts != 1 {
			t.Errorf("record = %+v, want failed after 1 attempt", rec)
		}
		if disp.Len() != 0 {
			t.Error("failed job must not be re-armed")
		}
	})
}

func TestQueueStartRecoversUnfinishedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemoryQueueStore()
	payload, _ := encodeJob(Job{BotID: "a"})
	for _, rec := range []database.RelayJobRecord{
		{ID: "p", IdempotencyKey: "k1", Payload: payload, Status: database.JobStatusPending, MaxAttempts: 3},
		{ID: "r", IdempotencyKey: "k2", Payload: payload, Status: database.JobStatusRunning, Attempts: 1, MaxAttempts: 3},
		{ID: "c", IdempotencyKey: "k3", Payload: payload, Status: database.JobStatusCompleted, MaxAttempts: 3},
	} {
		_, _ = store.InsertRelayJob(ctx, &rec)
	}

	disp := &manualDispatcher{}
	runs := 0
	q := NewQueue(store, disp, QueueOptions{}, nil)
	q.SetHandler(func(context.Context, Job) error { runs++; return nil })

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !disp.started {
		t.Error("dispatcher not started")
	}
	if disp.Len() != 2 {
		t.Fatalf("re-armed %d jobs, want 2", disp.Len())
	}
	if rec := store.get(t, "r"); rec.Status != database.JobStatusPending {
		t.Errorf("interrupted job status = %s, want pending", rec.Status)
	}

	for disp.RunNext() {
	}
	if runs != 2 {
		t.Errorf("handler ran %d times, want 2", runs)
	}
}

func TestQueuePurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, store, disp := newTestQueue(func(_ context.Context, job Job) error {
		if job.BotID == "bad" {
			return errors.New("boom")
		}
		return nil
	})

	now := time.Now().UTC()
	q.now = func() time.Time { return now.Add(-48 * time.Hour) }
	okID, _, _ := q.Enqueue(ctx, "k1", Job{BotID: "good"}, 0)
	badID, _, _ := q.Enqueue(ctx, "k2", Job{BotID: "bad"}, 0)
	for disp.RunNext() {
	}
	q.now = func() time.Time { return now }

	n, err := q.Purge(ctx, 24*time.Hour, 72*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if rec, _ := store.GetRelayJob(ctx, okID); rec != nil {
		t.Error("completed job past retention should be purged")
	}
	if rec, _ := store.GetRelayJob(ctx, badID); rec == nil {
		t.Error("failed job within retention should be kept")
	}
}
