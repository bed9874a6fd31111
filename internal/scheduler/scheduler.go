// Package scheduler runs the daily maintenance of the persisted data:
// session history retention and expired ban removal.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/util"
)

// Store is the part of *db.Store the maintenance run needs.
type Store interface {
	PruneHistory(before time.Time) (int64, error)
	PruneExpiredBans(now time.Time) (int64, error)
}

// Report summarises one maintenance run.
type Report struct {
	HistoryPruned int64     `json:"history_pruned"`
	BansPruned    int64     `json:"bans_pruned"`
	DatabaseSize  string    `json:"database_size"`
	RanAt         time.Time `json:"ran_at"`
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	store  Store
	logger zerolog.Logger
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, store Store) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		logger: util.ComponentLogger("scheduler"),
	}
}

// Start runs maintenance daily at the configured time until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	for {
		next := NextRun(s.cfg.GetApplicationData().Timers.MaintenanceTime, time.Now())
		s.logger.Info().
			Time("next_run", next).
			Dur("sleep", time.Until(next)).
			Msg("maintenance scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunMaintenance(time.Now()); err != nil {
				s.logger.Warn().Err(err).Msg("maintenance run failed")
			}
		}
	}
}

// RunMaintenance prunes finished sessions older than the retention period
// and removes expired bans.
func (s *Scheduler) RunMaintenance(now time.Time) (Report, error) {
	storage := s.cfg.GetApplicationData().Storage
	report := Report{RanAt: now}

	if storage.HistoryRetentionDays > 0 {
		cutoff := now.Add(-time.Duration(storage.HistoryRetentionDays) * 24 * time.Hour)
		n, err := s.store.PruneHistory(cutoff)
		if err != nil {
			return report, fmt.Errorf("prune history: %w", err)
		}
		report.HistoryPruned = n
	}

	n, err := s.store.PruneExpiredBans(now)
	if err != nil {
		return report, fmt.Errorf("prune bans: %w", err)
	}
	report.BansPruned = n

	if info, err := os.Stat(storage.DatabasePath); err == nil {
		report.DatabaseSize = formatBytes(info.Size())
	}

	s.logger.Info().
		Int64("history_pruned", report.HistoryPruned).
		Int64("bans_pruned", report.BansPruned).
		Str("database_size", report.DatabaseSize).
		Msg("maintenance completed")
	return report, nil
}

// NextRun returns the next occurrence of the "HH:MM" clock time after now.
// An unparsable value falls back to 04:00.
func NextRun(clock string, now time.Time) time.Time {
	hour, minute := 4, 0
	if t, err := time.Parse("15:04", clock); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
