// Package cron runs scheduled announcement turns. Each due job dispatches
// its prompt through the turn pipeline as if a message had arrived, with the
// job's configured channel and chat as the originating route.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// pollInterval is how often schedules are checked. Shorter than a minute so
// a tick always lands inside every due minute.
const pollInterval = 20 * time.Second

const (
	defaultRetryBase = 2 * time.Second
	defaultRetryMax  = 30 * time.Second
)

// RunFunc executes one job run. runID distinguishes retries of the same
// scheduled fire from separate fires.
type RunFunc func(ctx context.Context, job config.CronJob, runID string) error

// Scheduler fires config-defined cron jobs.
type Scheduler struct {
	cfg    *config.Config
	run    RunFunc
	events bus.EventPublisher // optional
	gron   *gronx.Gronx

	mu      sync.Mutex
	lastRun map[string]time.Time // job ID → minute it last fired
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(cfg *config.Config, run RunFunc, events bus.EventPublisher) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		run:     run,
		events:  events,
		gron:    gronx.New(),
		lastRun: make(map[string]time.Time),
	}
}

// Run blocks, checking schedules until ctx is cancelled. In-flight jobs are
// waited for on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	slog.Info("cron scheduler started", "jobs", len(s.jobs()))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// jobs snapshots the configured job list under the config lock, so a hot
// reload mid-tick cannot race.
func (s *Scheduler) jobs() []config.CronJob {
	return s.cfg.MaskedCopy().Cron.Jobs
}

// tick fires every job whose schedule covers the minute containing now and
// that has not already fired in that minute.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)

	for _, job := range s.jobs() {
		if !job.IsEnabled() || job.Schedule == "" {
			continue
		}

		due, err := s.gron.IsDue(job.Schedule, minute)
		if err != nil {
			slog.Warn("invalid cron schedule", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}

		s.mu.Lock()
		already := s.lastRun[job.ID].Equal(minute)
		if !already {
			s.lastRun[job.ID] = minute
		}
		s.mu.Unlock()
		if already {
			continue
		}

		s.wg.Add(1)
		go func(job config.CronJob) {
			defer s.wg.Done()
			s.execute(ctx, job)
		}(job)
	}
}

// execute runs one fire of a job, retrying with exponential backoff.
func (s *Scheduler) execute(ctx context.Context, job config.CronJob) {
	runID := uuid.NewString()[:8]
	base, max, retries := s.retryPolicy()

	slog.Info("cron job firing", "job", job.ID, "run", runID)
	s.broadcast(job, runID, "started", "")

	var err error
	delay := base
	for attempt := 0; ; attempt++ {
		err = s.run(ctx, job, runID)
		if err == nil {
			slog.Info("cron job completed", "job", job.ID, "run", runID)
			s.broadcast(job, runID, "completed", "")
			return
		}
		if attempt >= retries || ctx.Err() != nil {
			break
		}

		slog.Warn("cron job failed, retrying",
			"job", job.ID, "run", runID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}

	slog.Error("cron job failed", "job", job.ID, "run", runID, "error", err)
	s.broadcast(job, runID, "failed", err.Error())
}

func (s *Scheduler) retryPolicy() (base, max time.Duration, retries int) {
	cron := s.cfg.MaskedCopy().Cron

	base = defaultRetryBase
	if d, err := time.ParseDuration(cron.RetryBaseDelay); err == nil && d > 0 {
		base = d
	}
	max = defaultRetryMax
	if d, err := time.ParseDuration(cron.RetryMaxDelay); err == nil && d > 0 {
		max = d
	}
	retries = cron.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return base, max, retries
}

func (s *Scheduler) broadcast(job config.CronJob, runID, status, errMsg string) {
	if s.events == nil {
		return
	}
	payload := map[string]interface{}{
		"job_id": job.ID,
		"run_id": runID,
		"status": status,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	s.events.Broadcast(bus.Event{Name: protocol.EventCron, Payload: payload})
}
