// Package scheduler runs the periodic cleanup jobs on wall-clock cadences.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Schedule yields the next run strictly after now.
type Schedule interface {
	Next(now time.Time) time.Time
}

type hourly struct{}

// Hourly fires at the top of every hour.
func Hourly() Schedule { return hourly{} }

func (hourly) Next(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
}

type dailyAt struct{ hour, minute int }

// DailyAt fires once a day at hour:minute in the clock's location.
func DailyAt(hour, minute int) Schedule { return dailyAt{hour: hour, minute: minute} }

func (d dailyAt) Next(now time.Time) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Job is one periodic task. Run reports how many rows it removed.
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) (int64, error)
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.SugaredLogger
	jobs   []Job
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func New(logger *zap.SugaredLogger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Scheduler{clock: clockwork.NewRealClock(), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. It must be called before Run.
func (s *Scheduler) Add(j Job) { s.jobs = append(s.jobs, j) }

// Run blocks until ctx is done. Each job waits on its own timer, so a slow
// job never delays another.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	for {
		now := s.clock.Now()
		next := j.Schedule.Next(now)
		s.logger.Debugw("job scheduled", "job", j.Name, "next", next)
		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		s.runOnce(ctx, j)
	}
}

// runOnce logs failures and panics; the next tick is the retry.
func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	start := s.clock.Now()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("job panicked", "job", j.Name, "panic", fmt.Sprint(r))
		}
	}()
	n, err := j.Run(ctx)
	if err != nil {
		s.logger.Errorw("job failed", "job", j.Name, "deleted", n, "err", err)
		return
	}
	s.logger.Infow("job finished", "job", j.Name, "deleted", n, "took", s.clock.Since(start))
}
