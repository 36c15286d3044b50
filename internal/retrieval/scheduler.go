package retrieval

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// staleBatch caps how many stale subjects one scheduler tick refreshes.
const staleBatch = 20

// Scheduler re-researches subjects whose facts have aged past the freshness
// window, on a cron cadence. With Redis configured, a distributed lock keeps
// multiple replicas from refreshing the same subject at once.
type Scheduler struct {
	store     FactReader
	runner    Runner
	cronSpec  string
	freshness time.Duration
	rdb       *redis.Client
	logger    *log.Logger
	stop      chan struct{}
}

func NewScheduler(store FactReader, runner Runner, cronSpec string, freshness time.Duration, rdb *redis.Client, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if freshness <= 0 {
		freshness = 30 * 24 * time.Hour
	}
	return &Scheduler{
		store:     store,
		runner:    runner,
		cronSpec:  cronSpec,
		freshness: freshness,
		rdb:       rdb,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	expr, err := cronexpr.Parse(s.cronSpec)
	if err != nil {
		s.logger.Printf("invalid refresh cron %q, falling back to daily: %v", s.cronSpec, err)
		expr = cronexpr.MustParse("0 4 * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) tick() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.freshness)
	subjects, err := s.store.StaleSubjects(ctx, cutoff, staleBatch)
	if err != nil {
		s.logger.Printf("listing stale subjects: %v", err)
		return
	}
	for _, sub := range subjects {
		if !s.acquireLock(ctx, sub.ID) {
			continue
		}
		s.logger.Printf("refreshing stale subject %s (%s)", sub.ID, sub.Name)
		if _, err := s.runner.Run(ctx, sub, s.fieldsFor(ctx, sub.ID)); err != nil {
			s.logger.Printf("refresh %s: %v", sub.ID, err)
		}
		s.releaseLock(ctx, sub.ID)
	}
}

// fieldsFor re-requests the fields of the subject's last run so refreshes
// cover the same ground; a subject with no run history gets everything its
// stored records cover.
func (s *Scheduler) fieldsFor(ctx context.Context, subjectID string) []string {
	if run, ok, err := s.store.LatestCompletedRun(ctx, subjectID); err == nil && ok && len(run.Fields) > 0 {
		return run.Fields
	}
	stored, err := s.store.GetAll(ctx, subjectID)
	if err != nil {
		return nil
	}
	fields := make([]string, 0, len(stored))
	for f := range stored {
		fields = append(fields, f)
	}
	return fields
}

func (s *Scheduler) acquireLock(ctx context.Context, subjectID string) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, "sched:lock:"+subjectID, "1", 10*time.Minute).Result()
	if err != nil {
		s.logger.Printf("scheduler lock %s: %v", subjectID, err)
		return true
	}
	return ok
}

func (s *Scheduler) releaseLock(ctx context.Context, subjectID string) {
	if s.rdb == nil {
		return
	}
	s.rdb.Del(ctx, "sched:lock:"+subjectID)
}
