package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/config"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

// Job is one scheduled sweep.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Sweeper is the part of the booking service the sweeps drive.
type Sweeper interface {
	ReclaimStaleReservations(ctx context.Context) (appointment.SweepReport, error)
	PurgeExpiredSlots(ctx context.Context) (int64, error)
	ReconcileRefunds(ctx context.Context) (appointment.SweepReport, error)
}

// SweepJobs wires the booking sweeps to their cron specs.
func SweepJobs(svc Sweeper, cfg config.SweepConfig) []Job {
	return []Job{
		{
			Name: "reclaim-reservations",
			Spec: cfg.ReclaimSpec,
			Run: func(ctx context.Context) error {
				_, err := svc.ReclaimStaleReservations(ctx)
				return err
			},
		},
		{
			Name: "purge-expired-slots",
			Spec: cfg.PurgeSpec,
			Run: func(ctx context.Context) error {
				_, err := svc.PurgeExpiredSlots(ctx)
				return err
			},
		},
		{
			Name: "reconcile-refunds",
			Spec: cfg.RefundSpec,
			Run: func(ctx context.Context) error {
				_, err := svc.ReconcileRefunds(ctx)
				return err
			},
		},
	}
}

// Scheduler runs jobs on their cron specs. Every run holds a Redis leader
// lock named after the job, so with several instances deployed only one
// of them sweeps at a time, and every run is bounded by a timeout.
type Scheduler struct {
	log     *zap.Logger
	locker  redisclient.Locker
	timeout time.Duration

	mu     sync.Mutex
	jobs   []Job
	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func NewScheduler(locker redisclient.Locker, timeout time.Duration, log *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Scheduler{
		log:     log,
		locker:  locker,
		timeout: timeout,
		cron:    cron.New(),
	}
}

// Add registers job. An unparseable spec is an error.
func (s *Scheduler) Add(job Job) error {
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid cron spec %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// RunAll runs every job once, in registration order.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, job)
	}
}

// Start schedules all jobs. Runs use a context derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runCtx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.run(s.runCtx, job) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		s.log.Info("sweep scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	}
	s.cron.Start()
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	log := s.log.With(zap.String("job", job.Name))
	start := time.Now()

	// The lock outlives the run timeout a little so a slow run is never
	// overtaken by another instance.
	err := s.locker.WithLeaderLock(ctx, job.Name, s.timeout+30*time.Second, func(lockCtx context.Context) error {
		runCtx, cancel := context.WithTimeout(lockCtx, s.timeout)
		defer cancel()
		return job.Run(runCtx)
	})

	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		log.Info("sweep skipped, another instance holds the leader lock")
	case err != nil:
		log.Error("sweep failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
	default:
		log.Info("sweep complete", zap.Duration("duration", time.Since(start)))
	}
}
