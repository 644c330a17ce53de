package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SweepResult summarises one retention pass.
type SweepResult struct {
	Pruned []string
	Stale  []string
}

// Sweep drops finished tasks older than ttl and reports unfinished tasks that have
// not progressed for staleAfter. A non-positive duration disables that half.
func (m *Manager) Sweep(ttl, staleAfter time.Duration) SweepResult {
	var res SweepResult
	if ttl > 0 {
		res.Pruned = m.store.Prune(ttl)
	}
	if staleAfter > 0 {
		for _, rec := range m.store.Stale(staleAfter) {
			res.Stale = append(res.Stale, rec.ID)
			log.Warn().
				Str("task_id", rec.ID).
				Str("state", string(rec.State)).
				Time("last_modified", rec.LastModified).
				Msg("task has not progressed")
		}
	}
	if len(res.Pruned) > 0 {
		log.Info().Int("pruned", len(res.Pruned)).Msg("finished tasks pruned")
	}
	return res
}

// StartRetention schedules Sweep with a cron expression. The caller stops the returned cron.
func (m *Manager) StartRetention(schedule string, ttl, staleAfter time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { m.Sweep(ttl, staleAfter) }); err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	c.Start()
	log.Info().Str("schedule", schedule).Dur("task_ttl", ttl).Dur("stale_after", staleAfter).Msg("retention sweep scheduled")
	return c, nil
}
