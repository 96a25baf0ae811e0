// Package scheduler runs the bridge's daily maintenance: journal pruning,
// log file rotation and a statistics summary.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/bridge"
	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/util"
)

// Pruner removes expired journal rows.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// StatsSource reports the bridge counters.
type StatsSource interface {
	Stats() bridge.Stats
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	pruner Pruner // nil when the journal is disabled
	stats  StatsSource

	// last daily summary, for deltas
	lastStats bridge.Stats
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, pruner Pruner, stats StatsSource) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		stats:  stats,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	for {
		nextRun := nextRunTime(s.cfg.GetApplicationData().Journal.CleanupTime, time.Now())
		sleepDuration := time.Until(nextRun)

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("maintenance scheduled")

		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-time.After(sleepDuration):
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance performs one maintenance pass.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	if s.pruner != nil {
		removed, err := s.pruner.Prune(ctx, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("journal pruning failed")
		} else {
			log.Info().Int64("rows", removed).Msg("journal pruned")
		}
	}

	logging := s.cfg.GetApplicationData().Logging
	if logging.Directory != "" {
		if n := util.CleanOldLogs(logging.Directory, logging.MaxBackups); n > 0 {
			log.Info().Int("files", n).Msg("removed old log files")
		}
	}

	if s.stats != nil {
		s.collectStats()
	}
}

// collectStats logs the counters accumulated since the previous pass.
func (s *Scheduler) collectStats() {
	st := s.stats.Stats()
	prev := s.lastStats
	s.lastStats = st

	log.Info().
		Int("sessions", st.Sessions).
		Uint64("created", st.Created-prev.Created).
		Uint64("refused", st.Refused-prev.Refused).
		Uint64("chunks_to_server", st.ChunksToServer-prev.ChunksToServer).
		Uint64("chunks_to_client", st.ChunksToClient-prev.ChunksToClient).
		Uint64("chat_messages", st.ChatMessages-prev.ChatMessages).
		Msg("daily stats collected")
}

// nextRunTime returns the next occurrence of the HH:MM clock time after now.
func nextRunTime(clock string, now time.Time) time.Time {
	parts := strings.Split(clock, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
