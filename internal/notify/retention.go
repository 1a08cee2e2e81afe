// ABOUTME: Scheduled removal of archived notifications past their retention period
// ABOUTME: Runs on a cron schedule for the life of the context

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the sweep daily at 03:30
const DefaultRetentionSchedule = "30 3 * * *"

// ArchivePruner deletes archived notifications older than a cutoff
type ArchivePruner interface {
	DeleteArchivedNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention removes archived notifications older than maxAge.
type Retention struct {
	store    ArchivePruner
	maxAge   time.Duration
	schedule string
	now      func() time.Time
	logger   *slog.Logger
}

// NewRetention creates a sweeper. An empty schedule uses the daily default.
func NewRetention(st ArchivePruner, maxAge time.Duration, schedule string, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	return &Retention{
		store:    st,
		maxAge:   maxAge,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With("component", "retention"),
	}
}

// Sweep deletes once and reports how many rows went
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.DeleteArchivedNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		r.logger.Info("archived notifications removed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run schedules Sweep until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.schedule, err)
	}

	c.Start()
	r.logger.Debug("retention scheduled", "schedule", r.schedule, "max_age", r.maxAge)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
