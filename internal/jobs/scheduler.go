package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hospsurvey/internal/config"
	"hospsurvey/internal/tasks"
)

// Enqueuer is the slice of the redis client the scheduler writes through.
type Enqueuer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Scheduler enqueues the periodic security jobs; workers run them.
type Scheduler struct {
	cron   *cron.Cron
	queue  Enqueuer
	stream string
	cfg    config.AppConfig
	log    zerolog.Logger
}

func NewScheduler(queue Enqueuer, cfg *config.AppConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:   c,
		queue:  queue,
		stream: cfg.Queue.Stream,
		cfg:    *cfg,
		log:    log,
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{s.cfg.Alerts.ScanSchedule, s.EnqueueScan},
		{s.cfg.Alerts.ExportSchedule, s.EnqueueExport},
		{s.cfg.Alerts.SweepSchedule, s.EnqueueSweep},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop waits for running jobs to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// EnqueueScan asks a worker to analyze the trailing alert window.
func (s *Scheduler) EnqueueScan() {
	if err := s.enqueueTask(map[string]any{
		"type":  tasks.TypeSecurityScan,
		"hours": strconv.Itoa(s.cfg.Alerts.WindowHours),
	}); err != nil {
		s.log.Error().Err(err).Msg("enqueue security scan failed")
	}
}

func (s *Scheduler) EnqueueExport() {
	if err := s.enqueueTask(map[string]any{
		"type":  tasks.TypeSIEMExport,
		"hours": "24",
	}); err != nil {
		s.log.Error().Err(err).Msg("enqueue siem export failed")
	}
}

func (s *Scheduler) EnqueueSweep() {
	if err := s.enqueueTask(map[string]any{
		"type": tasks.TypeInactivitySweep,
		"days": strconv.Itoa(s.cfg.Session.InactiveUserDays),
	}); err != nil {
		s.log.Error().Err(err).Msg("enqueue inactivity sweep failed")
	}
}

func (s *Scheduler) enqueueTask(payload map[string]any) error {
	if s.queue == nil {
		return nil
	}
	payload["enqueued_at"] = time.Now().UTC().Format(time.RFC3339)
	_, err := s.queue.XAdd(context.Background(), &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: 10000,
		Approx: true,
		Values: payload,
	}).Result()
	return err
}
