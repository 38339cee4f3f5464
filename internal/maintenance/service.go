// Package maintenance runs scheduled housekeeping sweeps over the session
// and memory stores.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/lunarch/promptmem/internal/memstore"
)

// SessionPruner is the session-store surface the sweep needs.
type SessionPruner interface {
	PruneOlderThan(cutoff time.Time) int
}

// StatsReporter is the memory-store surface the sweep needs.
type StatsReporter interface {
	Stats(ctx context.Context) (memstore.Stats, error)
}

// Service schedules the housekeeping sweep. Schedules use six-field cron
// expressions (seconds first).
type Service struct {
	schedule      string
	retentionDays int
	sessions      SessionPruner
	memories      StatsReporter
	cron          *rcron.Cron
}

func NewService(schedule string, retentionDays int, sessions SessionPruner, memories StatsReporter) *Service {
	return &Service{
		schedule:      schedule,
		retentionDays: retentionDays,
		sessions:      sessions,
		memories:      memories,
	}
}

// Start registers the sweep and begins the scheduler. The scheduler stops
// when ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("register sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()
	log.Printf("[maintenance] started, schedule %s, retention %d days", s.schedule, s.retentionDays)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Printf("[maintenance] stopped")
}

// Sweep prunes stale sessions and logs memory store stats. Errors are
// logged, never fatal; the next run gets another chance.
func (s *Service) Sweep(ctx context.Context) {
	if s.sessions != nil && s.retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
		if pruned := s.sessions.PruneOlderThan(cutoff); pruned > 0 {
			log.Printf("[maintenance] pruned %d stale sessions", pruned)
		}
	}

	if s.memories != nil {
		st, err := s.memories.Stats(ctx)
		if err != nil {
			log.Printf("[maintenance] memory stats failed: %v", err)
			return
		}
		log.Printf("[maintenance] memory store: %d records, %d vectors, provider active=%v",
			st.TotalItems, st.VectorCount, st.ProviderActive)
	}
}
