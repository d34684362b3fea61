package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultJobRetention is how long finished jobs are kept.
const DefaultJobRetention = 24 * time.Hour

// CleanupResult reports one cleanup run.
type CleanupResult struct {
	JobsDeleted int64
	Duration    time.Duration
}

// DeleteFinishedJobs removes jobs in one of the terminal statuses whose last
// update is before cutoff.
func (r *Repository) DeleteFinishedJobs(ctx context.Context, cutoff time.Time, terminal []string) (CleanupResult, error) {
	start := time.Now()
	if len(terminal) == 0 {
		return CleanupResult{}, fmt.Errorf("at least one terminal status is required")
	}
	conn, err := r.db.conn()
	if err != nil {
		return CleanupResult{}, err
	}

	args := make([]any, 0, len(terminal)+1)
	for _, s := range terminal {
		args = append(args, s)
	}
	args = append(args, formatTime(cutoff))

	query := `DELETE FROM generation_jobs WHERE status IN (?` +
		strings.Repeat(", ?", len(terminal)-1) + `) AND updated_at < ?`
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return CleanupResult{JobsDeleted: n, Duration: time.Since(start)}, nil
}

// CleanupSchedulerConfig configures StartCleanupScheduler.
type CleanupSchedulerConfig struct {
	Retention time.Duration
	Interval  time.Duration
	Terminal  []string

	// OnCleanup is called after each run.
	OnCleanup func(CleanupResult, error)
}

// StartCleanupScheduler runs DeleteFinishedJobs immediately and then every
// Interval until ctx is cancelled.
func (r *Repository) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) {
	if config.Retention <= 0 {
		config.Retention = DefaultJobRetention
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	run := func() {
		res, err := r.DeleteFinishedJobs(ctx, time.Now().Add(-config.Retention), config.Terminal)
		if config.OnCleanup != nil {
			config.OnCleanup(res, err)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
