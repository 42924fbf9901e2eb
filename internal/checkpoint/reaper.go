package checkpoint

import (
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/storage"
	"conductor/pkg/logger"
)

// purgeGrace is how long expired rows linger before being dropped, so
// operators can still inspect them.
const purgeGrace = 7 * 24 * time.Hour

// Reaper periodically flips past-TTL checkpoints to expired and purges rows
// that have been expired for longer than the grace window.
type Reaper struct {
	db       *storage.DB
	cron     *cron.Cron
	schedule string
}

// NewReaper creates a reaper on the given cron schedule.
func NewReaper(db *storage.DB, schedule string) *Reaper {
	if schedule == "" {
		schedule = "*/10 * * * *"
	}
	return &Reaper{
		db:       db,
		cron:     cron.New(),
		schedule: schedule,
	}
}

// Start registers the reap job and starts the scheduler. It runs one sweep
// immediately so restarts don't leave stale rows until the first tick.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.reap); err != nil {
		return err
	}
	r.cron.Start()
	go r.reap()
	return nil
}

// Stop stops the scheduler, waiting for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reaper) reap() {
	now := time.Now().UTC()

	expired, err := r.db.ExpireCheckpoints(now)
	if err != nil {
		logger.Error().Err(err).Msg("Checkpoint expiry sweep failed")
		return
	}

	purged, err := r.db.PurgeCheckpoints(now.Add(-purgeGrace))
	if err != nil {
		logger.Error().Err(err).Msg("Checkpoint purge failed")
		return
	}

	if expired > 0 || purged > 0 {
		logger.Info().
			Int64("expired", expired).
			Int64("purged", purged).
			Msg("Checkpoint reaper sweep completed")
	}
}
