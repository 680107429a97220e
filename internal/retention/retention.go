// Package retention runs the day-bucket retention sweep on a cron
// schedule, adapted from the scheduler package's ticker+cron.Parser
// idiom for evaluating recurring work in a background goroutine.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// BucketDeleter is the subset of taskstore.Store's API the sweep needs.
type BucketDeleter interface {
	DeleteBucketsOlderThan(cutoff time.Time) (int, error)
}

// Sweeper deletes day-bucket files older than RetentionDays on a cron
// schedule. A zero RetentionDays disables the sweep entirely.
type Sweeper struct {
	store         BucketDeleter
	retentionDays int
	schedule      cron.Schedule
	checkInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Sweeper. cronExpr is a standard five-field cron
// expression (e.g. "0 3 * * *"); retentionDays of 0 disables the sweep.
func New(store BucketDeleter, cronExpr string, retentionDays int) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		store:         store,
		retentionDays: retentionDays,
		schedule:      sched,
		checkInterval: time.Minute,
	}, nil
}

// Start begins the background sweep goroutine. A no-op if retentionDays is 0.
func (s *Sweeper) Start(ctx context.Context) {
	if s.retentionDays <= 0 {
		slog.Info("retention: sweep disabled (task_retention_days is 0)")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	next := s.schedule.Next(time.Now())

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.Before(next) {
					continue
				}
				s.sweep()
				next = s.schedule.Next(now)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.DeleteBucketsOlderThan(cutoff)
	if err != nil {
		slog.Error("retention: sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("retention: swept day-buckets", "deleted", deleted, "cutoff", cutoff.Format("2006-01-02"))
	}
}
