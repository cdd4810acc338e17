// Package runtime drives periodic maintenance over the live agent
// workers: it polls the registry and triggers consolidation either on an
// agent's configured schedule or when the engine's scheduling decision
// says a cycle is due.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/engramkit/engram/worker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler polls the registry and consolidates agents that are due.
type Scheduler struct {
	registry     *worker.Registry
	pollInterval time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	schedules map[string]cron.Schedule
	nextRun   map[string]time.Time
}

// NewScheduler creates a scheduler over the given registry.
func NewScheduler(registry *worker.Registry, pollInterval time.Duration, logger zerolog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		registry:     registry,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		schedules:    make(map[string]cron.Schedule),
		nextRun:      make(map[string]time.Time),
	}
}

// SetSchedule attaches an explicit consolidation schedule to an agent,
// given as a Go duration ("30m") or a cron expression. Agents without one
// fall back to the engine's size/interval decision.
func (s *Scheduler) SetSchedule(agentID, spec string) error {
	sched, err := parseSchedule(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schedules[agentID] = sched
	s.nextRun[agentID] = sched.Next(time.Now())
	s.mu.Unlock()
	s.logger.Info().Str("agent_id", agentID).Str("schedule", spec).Msg("consolidation schedule set")
	return nil
}

// parseSchedule turns a schedule spec into a clock. Durations repeat at a
// fixed delay; anything else must be a cron expression, with an optional
// seconds field and descriptors like @hourly accepted. The two forms
// cannot collide: no valid duration contains spaces or an @.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule is empty")
	}
	if delay, err := time.ParseDuration(spec); err == nil {
		if delay <= 0 {
			return nil, fmt.Errorf("schedule duration %s must be positive", delay)
		}
		return cron.ConstantDelaySchedule{Delay: delay}, nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither a duration nor a cron expression: %w", spec, err)
	}
	return sched, nil
}

// Start runs the polling loop until ctx is cancelled. One agent's failure
// never stops the loop or affects other agents.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("pollInterval", s.pollInterval).Msg("Starting scheduler")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.checkAgents(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped: context cancelled")
			return
		case <-ticker.C:
			s.checkAgents(ctx)
		}
	}
}

func (s *Scheduler) checkAgents(ctx context.Context) {
	for _, agentID := range s.registry.List() {
		s.checkAgent(ctx, agentID)
	}
}

func (s *Scheduler) checkAgent(ctx context.Context, agentID string) {
	w, err := s.registry.Get(agentID)
	if err != nil {
		// Worker died between List and Get; the reclaimer handles it.
		return
	}

	now := time.Now()
	s.mu.Lock()
	sched, scheduled := s.schedules[agentID]
	due := s.nextRun[agentID]
	s.mu.Unlock()

	if scheduled {
		if now.Before(due) {
			return
		}
		metrics, err := w.Consolidate(ctx, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("scheduled consolidation failed")
		} else {
			s.logger.Debug().
				Str("agent_id", agentID).
				Int("pruned", metrics.PrunedCount).
				Int("evicted", metrics.EvictedCount).
				Msg("scheduled consolidation complete")
		}
		s.mu.Lock()
		s.nextRun[agentID] = sched.Next(now)
		s.mu.Unlock()
		return
	}

	metrics, ran, err := w.ConsolidateIfDue(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("consolidation failed")
		return
	}
	if ran {
		s.logger.Debug().
			Str("agent_id", agentID).
			Int("pruned", metrics.PrunedCount).
			Int("evicted", metrics.EvictedCount).
			Msg("consolidation complete")
	}
}
