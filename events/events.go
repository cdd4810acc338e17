// Package events carries fire-and-forget notifications about consolidation
// cycles. Emission is best-effort: a missing or slow emitter never affects
// the correctness of a cycle.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies an event kind.
type Type string

const (
	TypeCycleStarted   Type = "cycle_started"
	TypeCycleCompleted Type = "cycle_completed"
)

// CycleMetrics mirrors the metrics record a consolidation cycle emits.
// Declared here so the emitter contract has no dependency on the engine.
type CycleMetrics struct {
	DecayedCount     int           `json:"decayed_count"`
	ReinforcedCount  int           `json:"reinforced_count"`
	ArchivedCount    int           `json:"archived_count"`
	PrunedCount      int           `json:"pruned_count"`
	EvictedCount     int           `json:"evicted_count"`
	Duration         time.Duration `json:"duration"`
	TotalNodes       int           `json:"total_nodes"`
	AverageRelevance float64       `json:"average_relevance"`
}

// Event is one cycle notification. Metrics is nil on cycle start.
type Event struct {
	ID      string        `json:"id"`
	Type    Type          `json:"type"`
	AgentID string        `json:"agent_id"`
	At      time.Time     `json:"at"`
	Metrics *CycleMetrics `json:"metrics,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(typ Type, agentID string, metrics *CycleMetrics) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		AgentID: agentID,
		At:      time.Now(),
		Metrics: metrics,
	}
}

// Emitter receives cycle events. Implementations must return quickly and
// must never block the calling worker.
type Emitter interface {
	Emit(ev Event)
}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "events").Logger()}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ev Event) {
	entry := e.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("agent_id", ev.AgentID)
	if ev.Metrics != nil {
		entry = entry.
			Int("decayed", ev.Metrics.DecayedCount).
			Int("reinforced", ev.Metrics.ReinforcedCount).
			Int("archived", ev.Metrics.ArchivedCount).
			Int("pruned", ev.Metrics.PrunedCount).
			Int("evicted", ev.Metrics.EvictedCount).
			Dur("duration", ev.Metrics.Duration).
			Int("total_nodes", ev.Metrics.TotalNodes).
			Float64("average_relevance", ev.Metrics.AverageRelevance)
	}
	entry.Msg("consolidation event")
}

// ChanEmitter forwards events over a buffered channel with a non-blocking
// send. When the buffer is full the event is dropped and counted; delivery
// is explicitly best-effort.
type ChanEmitter struct {
	ch     chan Event
	logger zerolog.Logger
}

// NewChanEmitter creates a ChanEmitter with the given buffer size.
func NewChanEmitter(buffer int, logger zerolog.Logger) *ChanEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanEmitter{
		ch:     make(chan Event, buffer),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Events returns the receive side of the emitter.
func (e *ChanEmitter) Events() <-chan Event { return e.ch }

// Emit implements Emitter with a non-blocking send.
func (e *ChanEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.logger.Warn().
			Str("event_id", ev.ID).
			Str("event_type", string(ev.Type)).
			Str("agent_id", ev.AgentID).
			Msg("event buffer full, dropping event")
	}
}
