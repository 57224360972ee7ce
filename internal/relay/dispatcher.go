package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/edgard/relaybot/internal/logger"
)

// armSlack is how close to now a start time may be before the job is run
// immediately instead of at a fixed date.
const armSlack = 10 * time.Millisecond

// GocronDispatcher runs relay jobs as gocron one-time jobs, one at a time.
// gocron keeps one-time jobs registered after they fire, so each job removes
// itself once it has run.
type GocronDispatcher struct {
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// NewGocronDispatcher creates a dispatcher with a single execution slot.
func NewGocronDispatcher(log *slog.Logger) (*GocronDispatcher, error) {
	if log == nil {
		log = logger.Discard()
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger.NewGocronLogger(log)),
		gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay dispatcher: %w", err)
	}

	return &GocronDispatcher{
		scheduler: s,
		log:       log.With("component", "relay_dispatcher"),
	}, nil
}

func (d *GocronDispatcher) Schedule(id string, at time.Time, fn func()) error {
	start := gocron.OneTimeJobStartImmediately()
	if at.After(time.Now().Add(armSlack)) {
		start = gocron.OneTimeJobStartDateTime(at)
	}

	_, err := d.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(fn),
		gocron.WithName("relay:"+id),
		gocron.WithTags("relay"),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(jobID uuid.UUID, _ string) { d.release(jobID) }),
			gocron.AfterJobRunsWithError(func(jobID uuid.UUID, _ string, _ error) { d.release(jobID) }),
			gocron.AfterJobRunsWithPanic(func(_ uuid.UUID, name string, recovered any) {
				d.log.Error("Relay job panicked", "job", name, "panic", recovered)
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule relay job %s: %w", id, err)
	}
	d.log.Debug("Relay job armed", "job_id", id, "run_at", at, "armed", d.Armed())
	return nil
}

// release drops a fired job from the scheduler. It runs off the executor
// goroutine since RemoveJob round-trips through the scheduler loop.
func (d *GocronDispatcher) release(jobID uuid.UUID) {
	go func() {
		if err := d.scheduler.RemoveJob(jobID); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
			d.log.Warn("Failed to release relay job", "gocron_id", jobID, "error", err)
		}
	}()
}

// Armed reports how many jobs the scheduler still holds.
func (d *GocronDispatcher) Armed() int {
	return len(d.scheduler.Jobs())
}

func (d *GocronDispatcher) Start() {
	d.scheduler.Start()
}

func (d *GocronDispatcher) Shutdown() error {
	if err := d.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop relay dispatcher: %w", err)
	}
	return nil
}
