package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lunarch/promptmem/internal/memstore"
)

type mockPruner struct {
	pruned int
	cutoff time.Time
	calls  int
}

func (m *mockPruner) PruneOlderThan(cutoff time.Time) int {
	m.calls++
	m.cutoff = cutoff
	return m.pruned
}

type mockReporter struct {
	stats memstore.Stats
	err   error
	calls int
}

func (m *mockReporter) Stats(ctx context.Context) (memstore.Stats, error) {
	m.calls++
	return m.stats, m.err
}

func TestSweepPrunesWithRetentionCutoff(t *testing.T) {
	pruner := &mockPruner{pruned: 3}
	reporter := &mockReporter{stats: memstore.Stats{TotalItems: 7}}
	s := NewService("0 30 3 * * *", 30, pruner, reporter)

	s.Sweep(context.Background())

	if pruner.calls != 1 || reporter.calls != 1 {
		t.Fatalf("calls = %d, %d", pruner.calls, reporter.calls)
	}
	want := time.Now().AddDate(0, 0, -30)
	if diff := want.Sub(pruner.cutoff); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff = %v, want about %v", pruner.cutoff, want)
	}
}

func TestSweepSkipsPruneWithoutRetention(t *testing.T) {
	pruner := &mockPruner{}
	s := NewService("0 30 3 * * *", 0, pruner, &mockReporter{})

	s.Sweep(context.Background())
	if pruner.calls != 0 {
		t.Fatal("zero retention must disable pruning")
	}
}

func TestSweepSurvivesStatsError(t *testing.T) {
	pruner := &mockPruner{}
	reporter := &mockReporter{err: errors.New("db locked")}
	s := NewService("0 30 3 * * *", 7, pruner, reporter)

	// Must not panic or propagate; the failure is logged only.
	s.Sweep(context.Background())
	if reporter.calls != 1 {
		t.Fatalf("reporter calls = %d", reporter.calls)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewService("not a schedule", 30, &mockPruner{}, &mockReporter{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("invalid cron expression should fail Start")
	}
}

func TestStartAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewService("0 30 3 * * *", 30, &mockPruner{}, &mockReporter{})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	// Stop is idempotent and safe to call alongside the cancel path.
	s.Stop()
}
