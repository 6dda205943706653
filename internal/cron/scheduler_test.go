package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

type runRecorder struct {
	mu   sync.Mutex
	runs []string // job IDs in execution order
	errs map[string][]error
	done chan struct{}
}

func newRunRecorder() *runRecorder {
	return &runRecorder{errs: make(map[string][]error), done: make(chan struct{}, 16)}
}

func (r *runRecorder) fail(jobID string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[jobID] = errs
}

func (r *runRecorder) run(_ context.Context, job config.CronJob, _ string) error {
	r.mu.Lock()
	r.runs = append(r.runs, job.ID)
	var err error
	if queued := r.errs[job.ID]; len(queued) > 0 {
		err = queued[0]
		r.errs[job.ID] = queued[1:]
	}
	r.mu.Unlock()

	r.done <- struct{}{}
	return err
}

func (r *runRecorder) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.runs {
		if id == jobID {
			n++
		}
	}
	return n
}

func (r *runRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run %d of %d", i+1, n)
		}
	}
}

func testConfig(jobs ...config.CronJob) *config.Config {
	cfg := config.Default()
	cfg.Cron.Jobs = jobs
	cfg.Cron.MaxRetries = 2
	cfg.Cron.RetryBaseDelay = "1ms"
	cfg.Cron.RetryMaxDelay = "5ms"
	return cfg
}

func TestTick_FiresDueJobOncePerMinute(t *testing.T) {
	rec := newRunRecorder()
	s := NewScheduler(testConfig(
		config.CronJob{ID: "report", Schedule: "* * * * *", Prompt: "daily report"},
	), rec.run, nil)

	now := time.Date(2026, 8, 25, 10, 0, 30, 0, time.UTC)
	s.tick(context.Background(), now)
	rec.wait(t, 1)

	// Another tick in the same minute is a no-op.
	s.tick(context.Background(), now.Add(20*time.Second))
	s.wg.Wait()
	if got := rec.count("report"); got != 1 {
		t.Fatalf("runs in same minute = %d, want 1", got)
	}

	// Next minute fires again.
	s.tick(context.Background(), now.Add(time.Minute))
	rec.wait(t, 1)
	if got := rec.count("report"); got != 2 {
		t.Errorf("runs after next minute = %d, want 2", got)
	}
}

func TestTick_SkipsDisabledAndNotDueJobs(t *testing.T) {
	off := false
	rec := newRunRecorder()
	s := NewScheduler(testConfig(
		config.CronJob{ID: "disabled", Schedule: "* * * * *", Enabled: &off},
		config.CronJob{ID: "midnight", Schedule: "0 0 * * *"},
		config.CronJob{ID: "no-schedule"},
	), rec.run, nil)

	s.tick(context.Background(), time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	s.wg.Wait()

	if len(rec.runs) != 0 {
		t.Errorf("runs = %v, want none", rec.runs)
	}
}

func TestTick_InvalidScheduleIsSkipped(t *testing.T) {
	rec := newRunRecorder()
	s := NewScheduler(testConfig(
		config.CronJob{ID: "broken", Schedule: "not a cron expr"},
	), rec.run, nil)

	s.tick(context.Background(), time.Now())
	s.wg.Wait()

	if len(rec.runs) != 0 {
		t.Errorf("runs = %v, want none", rec.runs)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	rec := newRunRecorder()
	rec.fail("flaky", errors.New("boom"), errors.New("boom again"))

	s := NewScheduler(testConfig(), rec.run, nil)
	s.execute(context.Background(), config.CronJob{ID: "flaky", Schedule: "* * * * *"})

	if got := rec.count("flaky"); got != 3 {
		t.Errorf("attempts = %d, want 3 (two failures, one success)", got)
	}
}

func TestExecute_GivesUpAfterMaxRetries(t *testing.T) {
	rec := newRunRecorder()
	rec.fail("doomed", errors.New("1"), errors.New("2"), errors.New("3"), errors.New("4"))

	s := NewScheduler(testConfig(), rec.run, nil)
	s.execute(context.Background(), config.CronJob{ID: "doomed", Schedule: "* * * * *"})

	// MaxRetries 2 → one initial attempt plus two retries.
	if got := rec.count("doomed"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}
