package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/uniport-net/uniport/internal/config"
)

type fakeStore struct {
	historyCutoff time.Time
	bansAt        time.Time
	err           error
}

func (f *fakeStore) PruneHistory(before time.Time) (int64, error) {
	f.historyCutoff = before
	return 3, f.err
}

func (f *fakeStore) PruneExpiredBans(now time.Time) (int64, error) {
	f.bansAt = now
	return 1, nil
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		clock string
		now   time.Time
		want  time.Time
	}{
		{"04:00", time.Date(2024, 5, 1, 3, 0, 0, 0, loc), time.Date(2024, 5, 1, 4, 0, 0, 0, loc)},
		{"04:00", time.Date(2024, 5, 1, 4, 0, 0, 0, loc), time.Date(2024, 5, 2, 4, 0, 0, 0, loc)},
		{"23:30", time.Date(2024, 12, 31, 23, 45, 0, 0, loc), time.Date(2025, 1, 1, 23, 30, 0, 0, loc)},
		{"bogus", time.Date(2024, 5, 1, 12, 0, 0, 0, loc), time.Date(2024, 5, 2, 4, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		if got := NextRun(tc.clock, tc.now); !got.Equal(tc.want) {
			t.Errorf("NextRun(%q, %s)=%s want %s", tc.clock, tc.now, got, tc.want)
		}
	}
}

func TestRunMaintenance(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{}
	s := NewScheduler(cfg, store)
	now := time.Date(2024, 5, 31, 4, 0, 0, 0, time.UTC)

	report, err := s.RunMaintenance(now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.HistoryPruned != 3 || report.BansPruned != 1 {
		t.Fatalf("report=%+v", report)
	}
	if want := now.AddDate(0, 0, -30); !store.historyCutoff.Equal(want) {
		t.Fatalf("cutoff=%s want %s", store.historyCutoff, want)
	}

	store.err = errors.New("disk full")
	if _, err := s.RunMaintenance(now); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(1536); got != "1.50 KB" {
		t.Fatalf("formatBytes=%q", got)
	}
}
