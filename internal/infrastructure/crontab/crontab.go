// Package crontab schedules the periodic lifecycle passes: the
// expiration sweep, the idle scan, and the queue depth gauge refresh.
package crontab

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/infrastructure/queue"
	"relay-server/services/conversation-api/internal/sweeper"
	"relay-server/services/conversation-api/internal/utils/platformerrors"
)

const (
	DefaultSweepIntervalMinutes = 1
	CronJobTimeout              = 5 * time.Minute // Timeout for each cron job execution
)

type Crontab struct {
	ctab         *crontab.Crontab
	sweep        *sweeper.Sweeper
	taskQueue    queue.TaskQueue
	intervalMins int
	log          zerolog.Logger
}

func NewCrontab(sweep *sweeper.Sweeper, taskQueue queue.TaskQueue, intervalMins int, log zerolog.Logger) *Crontab {
	if intervalMins <= 0 {
		intervalMins = DefaultSweepIntervalMinutes
	}
	return &Crontab{
		ctab:         crontab.New(),
		sweep:        sweep,
		taskQueue:    taskQueue,
		intervalMins: intervalMins,
		log:          log.With().Str("component", "crontab").Logger(),
	}
}

func (c *Crontab) Run(ctx context.Context) error {
	// execute once on server start
	c.runSweeps(ctx)

	cronExpr := fmt.Sprintf("*/%d * * * *", c.intervalMins)
	if err := c.ctab.AddJob(cronExpr, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), CronJobTimeout)
		defer cancel()
		c.runSweeps(jobCtx)
	}); err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerInfrastructure, err, "failed to add sweep job")
	}
	c.log.Info().Int("interval_minutes", c.intervalMins).Msg("lifecycle sweeps scheduled")

	<-ctx.Done()
	c.ctab.Shutdown()
	return nil
}

func (c *Crontab) runSweeps(ctx context.Context) {
	// Idle scan runs first: a conversation that went idle and also blew
	// its deadline should expire on the next pass, not skip the grace
	// window entirely.
	if idled, err := c.sweep.RunIdleScan(ctx); err != nil {
		c.log.Error().Err(err).Msg("idle scan failed")
	} else if idled > 0 {
		c.log.Info().Int("idled", idled).Msg("idle scan moved conversations to grace state")
	}

	if expired, err := c.sweep.RunExpirationSweep(ctx); err != nil {
		c.log.Error().Err(err).Msg("expiration sweep failed")
	} else if expired > 0 {
		c.log.Info().Int("expired", expired).Msg("expiration sweep closed conversations")
	}

	if _, err := c.taskQueue.GetQueueDepth(ctx); err != nil {
		c.log.Error().Err(err).Msg("queue depth refresh failed")
	}
}
