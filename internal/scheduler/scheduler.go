package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	jobs       *Jobs
	logger     *slog.Logger
	expireSpec string
	retrySpec  string
}

// New creates a scheduler with panic recovery around every job.
func New(jobs *Jobs, logger *slog.Logger, expireSpec, retrySpec string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		jobs:       jobs,
		logger:     logger,
		expireSpec: expireSpec,
		retrySpec:  retrySpec,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.expireSpec, func() { s.jobs.RunExpire(context.Background()) }); err != nil {
		s.logger.Error("failed to schedule trade expiry job", "error", err)
	} else {
		s.logger.Info("scheduled trade expiry job", "schedule", s.expireSpec)
	}

	if _, err := s.cron.AddFunc(s.retrySpec, func() { s.jobs.RunRetryMatch(context.Background()) }); err != nil {
		s.logger.Error("failed to schedule match retry job", "error", err)
	} else {
		s.logger.Info("scheduled match retry job", "schedule", s.retrySpec)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
