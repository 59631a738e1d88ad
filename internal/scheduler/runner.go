package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// JobRunner executes a single job on schedule
type JobRunner struct {
	job       *Job
	ticker    *time.Ticker
	logger    *slog.Logger
	executor  Executor
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Executor defines the agent operations a scheduled job can trigger.
type Executor interface {
	Evolve(ctx context.Context, force bool) error
	Execute(ctx context.Context, cmd string) error
}

// NewJobRunner creates a new job runner
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins executing the job on schedule
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	// Calculate initial next run
	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.State.NextRunAt = nextRun

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	// Set up ticker based on schedule type
	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		// Check every minute for cron/at schedules
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			// For interval schedules, always run
			// For cron/at schedules, check if it's time
			shouldRun := false
			if r.job.Schedule.Kind == "interval" {
				shouldRun = true
			} else {
				shouldRun = now.After(r.job.State.NextRunAt) || now.Equal(r.job.State.NextRunAt)
			}

			if shouldRun {
				r.executeJob(ctx)

				// Calculate next run
				nextRun, err := r.job.NextRun(time.Now())
				if err != nil {
					r.logger.Error("failed to calculate next run", "error", err)
				} else {
					r.job.State.NextRunAt = nextRun
					r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
				}
			}
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job once
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Info("executing job")

	var err error
	switch r.job.Action.Kind {
	case "evolve":
		err = r.executeEvolve(ctx)
	case "command":
		err = r.executeCommand(ctx)
	case "http":
		err = r.executeHTTP(ctx)
	default:
		err = fmt.Errorf("unknown action kind: %s", r.job.Action.Kind)
	}

	duration := time.Since(start)

	// Update state
	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++

	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", r.job.State.RunCount,
			"error_count", r.job.State.ErrorCount)
	} else {
		r.job.State.LastError = ""
		r.logger.Info("job completed",
			"duration", duration,
			"run_count", r.job.State.RunCount)
	}
}

// executeEvolve triggers an evolution cycle via the agent
func (r *JobRunner) executeEvolve(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot execute evolve action)")
	}

	return r.executor.Evolve(ctx, r.job.Action.Force)
}

// executeCommand dispatches a command line through the agent
func (r *JobRunner) executeCommand(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot execute command action)")
	}

	return r.executor.Execute(ctx, r.job.Action.Command)
}

// executeHTTP makes an HTTP request
func (r *JobRunner) executeHTTP(ctx context.Context) error {
	var body []byte
	var err error

	if r.job.Action.Payload != nil {
		body, err = json.Marshal(r.job.Action.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.job.Action.Method, r.job.Action.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	// Set headers
	for k, v := range r.job.Action.Headers {
		req.Header.Set(k, v)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http request failed with status: %d", resp.StatusCode)
	}

	r.logger.Debug("http request completed", "status", resp.StatusCode)
	return nil
}
