// Package scheduler runs the daily jobs at their configured wall-clock times.
// It polls on a short ticker and fires each job at most once per day, the
// first tick at or after the job's HH:MM in the service timezone.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/dispatch"
)

// CompanyJobFunc runs a job for one company.
type CompanyJobFunc func(ctx context.Context, cfg *db.CompanyConfig, now time.Time) error

// DailyJobFunc runs a job once for the whole system.
type DailyJobFunc func(ctx context.Context, now time.Time) error

type companyJob struct {
	name   string
	timeOf func(cfg *db.CompanyConfig) string
	run    CompanyJobFunc
}

type dailyJob struct {
	name string
	hhmm string
	run  DailyJobFunc
}

// Scheduler drives the queue's time-based jobs: dispatch, the deadline-alert
// scan, the quota reset and invoice generation.
type Scheduler struct {
	configs  dispatch.ConfigStore
	location *time.Location
	tick     time.Duration
	logger   *zap.Logger

	company []companyJob
	daily   []dailyJob

	mu      sync.Mutex
	lastRun map[string]string
}

// New creates a scheduler that evaluates job due times in the given location.
func New(configs dispatch.ConfigStore, location *time.Location, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		configs:  configs,
		location: location,
		tick:     tick,
		logger:   logger,
		lastRun:  make(map[string]string),
	}
}

// AddCompanyJob registers a per-company job. timeOf extracts the company's
// configured HH:MM for this job; an empty or malformed value disables the job
// for that company.
func (s *Scheduler) AddCompanyJob(name string, timeOf func(cfg *db.CompanyConfig) string, run CompanyJobFunc) {
	s.company = append(s.company, companyJob{name: name, timeOf: timeOf, run: run})
}

// AddDailyJob registers a system-wide job with a fixed HH:MM.
func (s *Scheduler) AddDailyJob(name, hhmm string, run DailyJobFunc) {
	s.daily = append(s.daily, dailyJob{name: name, hhmm: hhmm, run: run})
}

// Start blocks, evaluating due jobs on each tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("tick", s.tick),
		zap.String("timezone", s.location.String()))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.runDue(ctx, now.In(s.location))
		}
	}
}

// RunDue evaluates and fires all jobs due at the given instant. Exposed for
// the serve loop's startup catch-up pass.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	s.runDue(ctx, now.In(s.location))
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	for _, job := range s.daily {
		if s.claim(job.name, job.hhmm, now) {
			s.fire(ctx, job.name, func(ctx context.Context) error {
				return job.run(ctx, now)
			})
		}
	}

	if len(s.company) == 0 {
		return
	}
	configs, err := s.configs.List(ctx)
	if err != nil {
		s.logger.Error("failed to list company configs", zap.Error(err))
		return
	}
	for _, job := range s.company {
		for _, cfg := range configs {
			key := job.name + ":" + cfg.CompanyID.String()
			if !s.claim(key, job.timeOf(cfg), now) {
				continue
			}
			cfg := cfg
			s.fire(ctx, key, func(ctx context.Context) error {
				return job.run(ctx, cfg, now)
			})
		}
	}
}

// claim returns true exactly once per day per key, at the first evaluation at
// or after the key's due time.
func (s *Scheduler) claim(key, hhmm string, now time.Time) bool {
	due, err := dueAt(hhmm, now)
	if err != nil {
		return false
	}
	if now.Before(due) {
		return false
	}

	day := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun[key] == day {
		return false
	}
	s.lastRun[key] = day
	return true
}

// fire runs a job, recovering panics so one bad company cannot take the
// scheduler down.
func (s *Scheduler) fire(ctx context.Context, name string, run func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("job complete",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)))
}

// dueAt resolves an HH:MM string against now's date in now's location.
func dueAt(hhmm string, now time.Time) (time.Time, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("malformed clock time %q", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("malformed hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("malformed minute in %q", hhmm)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), nil
}
