package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type BindingSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type ErrorCountResetter interface {
	ResetDailyErrorCounts(ctx context.Context) (int64, error)
}

type LeaseReaper interface {
	ReapExpiredLeases(ctx context.Context) int
}

// MaintenanceJob periodically sweeps expired bindings, reaps timed-out
// leases and, once per day, resets the 24h error counters.
type MaintenanceJob struct {
	bindings BindingSweeper
	accounts ErrorCountResetter
	leases   LeaseReaper
	interval time.Duration

	lastResetDay string
	stop         chan struct{}
	done         chan struct{}
}

func NewMaintenanceJob(
	bindings BindingSweeper,
	accounts ErrorCountResetter,
	leases LeaseReaper,
	interval time.Duration,
) *MaintenanceJob {
	return &MaintenanceJob{
		bindings:     bindings,
		accounts:     accounts,
		leases:       leases,
		interval:     interval,
		lastResetDay: time.Now().Format("2006-01-02"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go func() {
		defer close(j.done)

		j.run()

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.run()
			case <-j.stop:
				return
			}
		}
	}()

	log.Info().Dur("interval", j.interval).Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.stop)
	<-j.done
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if swept, err := j.bindings.SweepExpired(ctx); err != nil {
		log.Error().Err(err).Msg("maintenance: binding sweep failed")
	} else if swept > 0 {
		log.Info().Int64("count", swept).Msg("maintenance: bindings expired")
	}

	if reaped := j.leases.ReapExpiredLeases(ctx); reaped > 0 {
		log.Warn().Int("count", reaped).Msg("maintenance: stale leases reaped")
	}

	today := time.Now().Format("2006-01-02")
	if today != j.lastResetDay {
		if count, err := j.accounts.ResetDailyErrorCounts(ctx); err != nil {
			log.Error().Err(err).Msg("maintenance: daily error reset failed")
		} else {
			j.lastResetDay = today
			log.Info().Int64("count", count).Msg("maintenance: daily error counts reset")
		}
	}
}
