package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
)

// QueueStore is the persistence behind the relay queue.
type QueueStore interface {
	InsertRelayJob(ctx context.Context, rec *database.RelayJobRecord) (bool, error)
	GetRelayJob(ctx context.Context, id string) (*database.RelayJobRecord, error)
	UpdateRelayJob(ctx context.Context, rec *database.RelayJobRecord) error
	ListUnfinishedRelayJobs(ctx context.Context) ([]database.RelayJobRecord, error)
	CountUnfinishedRelayJobs(ctx context.Context, keyPrefix string) (int, error)
	PurgeRelayJobs(ctx context.Context, status string, finishedBefore time.Time) (int64, error)
}

// Dispatcher runs fn once at (or right after) the given time.
type Dispatcher interface {
	Schedule(id string, at time.Time, fn func()) error
	Start()
	Shutdown() error
}

// Handler executes a dequeued job.
type Handler func(ctx context.Context, job Job) error

// QueueOptions controls retries and per-attempt limits.
type QueueOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	JobTimeout  time.Duration
}

// Queue is a persistent delayed job queue. Records live in the relay_jobs
// table; timers live in the Dispatcher and are re-armed by Start.
type Queue struct {
	store      QueueStore
	dispatcher Dispatcher
	opts       QueueOptions
	log        *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context
}

// NewQueue creates a queue. Zero options fall back to 3 attempts and a 1s backoff base.
func NewQueue(store QueueStore, dispatcher Dispatcher, opts QueueOptions, log *slog.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log.With("component", "relay_queue"),
		now:        time.Now,
		ctx:        context.Background(),
	}
}

// SetHandler installs the function that executes jobs.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue stores the job under key and arms it to run after delay. A key that
// was already used is silently ignored and reported as enqueued=false.
func (q *Queue) Enqueue(ctx context.Context, key string, job Job, delay time.Duration) (string, bool, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return "", false, err
	}

	rec := &database.RelayJobRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Payload:        payload,
		Status:         database.JobStatusPending,
		MaxAttempts:    q.opts.MaxAttempts,
		RunAt:          q.now().UTC().Add(delay),
	}

	inserted, err := q.store.InsertRelayJob(ctx, rec)
	if err != nil {
		return "", false, fmt.Errorf("failed to persist relay job: %w", err)
	}
	if !inserted {
		q.log.DebugContext(ctx, "Duplicate relay job ignored", "key", key, "bot_id", job.BotID)
		return "", false, nil
	}

	if err := q.arm(rec.ID, rec.RunAt); err != nil {
		return rec.ID, true, err
	}

	q.log.InfoContext(ctx, "Relay job enqueued",
		"job_id", rec.ID, "key", key, "bot_id", job.BotID, "kind", job.Kind, "delay", delay)
	return rec.ID, true, nil
}

// Unfinished counts pending and running jobs whose key starts with keyPrefix.
func (q *Queue) Unfinished(ctx context.Context, keyPrefix string) (int, error) {
	n, err := q.store.CountUnfinishedRelayJobs(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to count relay jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) arm(id string, at time.Time) error {
	if err := q.dispatcher.Schedule(id, at, func() { q.process(id) }); err != nil {
		return fmt.Errorf("failed to arm relay job %s: %w", id, err)
	}
	return nil
}

// Start re-arms records left pending (or interrupted while running) by a
// previous process and starts the dispatcher.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()

	recs, err := q.store.ListUnfinishedRelayJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unfinished relay jobs: %w", err)
	}

	for i := range recs {
		rec := &recs[i]
		if rec.Status == database.JobStatusRunning {
			rec.Status = database.JobStatusPending
			if err := q.store.UpdateRelayJob(ctx, rec); err != nil {
				q.log.WarnContext(ctx, "Failed to reset interrupted relay job", "job_id", rec.ID, "error", err)
				continue
			}
		}
		if err := q.arm(rec.ID, rec.RunAt); err != nil {
			q.log.WarnContext(ctx, "Failed to re-arm relay job", "job_id", rec.ID, "error", err)
		}
	}

	q.dispatcher.Start()
	q.log.InfoContext(ctx, "Relay queue started", "recovered_jobs", len(recs))
	return nil
}

// Stop shuts the dispatcher down, waiting for the running job.
func (q *Queue) Stop() error {
	return q.dispatcher.Shutdown()
}

func (q *Queue) state() (context.Context, Handler) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.ctx, q.handler
}

// process runs one attempt of a job and records the outcome.
func (q *Queue) process(id string) {
	ctx, handler := q.state()
	if ctx.Err() != nil {
		return
	}
	log := q.log.With("job_id", id)

	rec, err := q.store.GetRelayJob(ctx, id)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load relay job", "error", err)
		return
	}
	if rec == nil || rec.Status == database.JobStatusCompleted || rec.Status == database.JobStatusFailed {
		return
	}

	rec.Status = database.JobStatusRunning
	rec.Attempts++
	if err := q.store.UpdateRelayJob(ctx, rec); err != nil {
		log.ErrorContext(ctx, "Failed to mark relay job running", "error", err)
		return
	}

	var runErr error
	job, err := decodeJob(rec.Payload)
	switch {
	case err != nil:
		runErr = err
	case handler == nil:
		runErr = errors.New("no relay handler installed")
	default:
		runErr = q.run(ctx, handler, job)
	}

	// Outcome bookkeeping must survive a shutdown that cancelled the attempt.
	saveCtx := context.WithoutCancel(ctx)

	if runErr == nil {
		rec.Status = database.JobStatusCompleted
		rec.LastError = ""
		rec.FinishedAt = sql.NullTime{Time: q.now().UTC(), Valid: true}
		if err := q.store.UpdateRelayJob(saveCtx, rec); err != nil {
			log.ErrorContext(ctx, "Failed to mark relay job completed", "error", err)
		}
		log.DebugContext(ctx, "Relay job completed", "bot_id", job.BotID, "attempts", rec.Attempts)
		return
	}

	rec.LastError = runErr.Error()
	if IsTransient(runErr) && rec.Attempts < rec.MaxAttempts {
		delay := q.backoff(rec.Attempts)
		rec.Status = database.JobStatusPending
		rec.RunAt = q.now().UTC().Add(delay)
		if err := q.store.UpdateRelayJob(saveCtx, rec); err != nil {
			log.ErrorContext(ctx, "Failed to requeue relay job", "error", err)
			return
		}
		if err := q.arm(rec.ID, rec.RunAt); err != nil {
			log.ErrorContext(ctx, "Failed to re-arm relay job", "error", err)
			return
		}
		log.WarnContext(ctx, "Relay job failed, retrying",
			"bot_id", job.BotID, "attempt", rec.Attempts, "max_attempts", rec.MaxAttempts, "delay", delay, "error", runErr)
		return
	}

	rec.Status = database.JobStatusFailed
	rec.FinishedAt = sql.NullTime{Time: q.now().UTC(), Valid: true}
	if err := q.store.UpdateRelayJob(saveCtx, rec); err != nil {
		log.ErrorContext(ctx, "Failed to mark relay job failed", "error", err)
	}
	log.ErrorContext(ctx, "Relay job failed permanently",
		"bot_id", job.BotID, "attempts", rec.Attempts, "error", runErr)
}

func (q *Queue) run(ctx context.Context, handler Handler, job Job) error {
	if q.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.JobTimeout)
		defer cancel()
	}
	return handler(ctx, job)
}

// backoff returns base * 2^(attempt-1).
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.opts.BackoffBase << (attempt - 1)
}

// Purge deletes finished records older than their retention period.
// A zero retention keeps records of that status.
func (q *Queue) Purge(ctx context.Context, retainCompleted, retainFailed time.Duration) (int64, error) {
	var total int64
	now := q.now().UTC()

	for status, retain := range map[string]time.Duration{
		database.JobStatusCompleted: retainCompleted,
		database.JobStatusFailed:    retainFailed,
	} {
		if retain <= 0 {
			continue
		}
		n, err := q.store.PurgeRelayJobs(ctx, status, now.Add(-retain))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
