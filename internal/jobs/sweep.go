package jobs

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sweeper applies overdue timeouts and drops finished sessions.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int64, error)
	PurgeFinished(ctx context.Context, retention time.Duration) (int64, error)
}

// SweepJob runs the sweeper at a fixed interval. Status polls settle
// timeouts lazily too; the job catches sessions nobody polls.
type SweepJob struct {
	sweeper   Sweeper
	clock     clockwork.Clock
	interval  time.Duration
	retention time.Duration
	done      chan struct{}
	stopped   chan struct{}
}

func NewSweepJob(sweeper Sweeper, clock clockwork.Clock, interval, retention time.Duration) *SweepJob {
	return &SweepJob{
		sweeper:   sweeper,
		clock:     clock,
		interval:  interval,
		retention: retention,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("sweep job started")
}

// Stop waits for a sweep in progress to finish.
func (j *SweepJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	defer close(j.stopped)

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.Chan():
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "stale sessions", j.sweeper.ExpireStale)
	j.runCleanup(ctx, "finished sessions", func(ctx context.Context) (int64, error) {
		return j.sweeper.PurgeFinished(ctx, j.retention)
	})
}

func (j *SweepJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to sweep %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("swept %s", name)
	}
}
