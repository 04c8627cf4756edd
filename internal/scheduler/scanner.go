// Package scheduler runs the periodic maintenance the core needs: expiring
// reservations, firing overdue return-case deadlines and refreshing seller
// health. One generic scanner covers all of them instead of one polling
// loop per concern.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task. Run reports how many entities it acted on.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Scanner struct {
	jobs   []Job
	logger *zap.Logger
	wg     sync.WaitGroup
}

func New(logger *zap.Logger, jobs ...Job) *Scanner {
	return &Scanner{jobs: jobs, logger: logger}
}

// Start launches one ticker loop per job. Each job also runs once at
// startup so restarts do not delay overdue work by a full interval.
func (s *Scanner) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has observed context cancellation.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

func (s *Scanner) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context, job Job) {
	acted, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Int("acted", acted),
			zap.Error(err))
		return
	}
	if acted > 0 {
		s.logger.Info("scheduled job ran",
			zap.String("job", job.Name),
			zap.Int("acted", acted))
	}
}
