// Package progress defines the event structures emitted during source
// discovery sessions.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StageStrategyTry  Stage = "STRATEGY_TRY"
	StageStrategyHit  Stage = "STRATEGY_HIT"
	StageStrategyMiss Stage = "STRATEGY_MISS"
	StageEnhanceItem  Stage = "ENHANCE_ITEM"
)

// Event captures a single milestone within a discovery session.
type Event struct {
	// SessionID uniquely identifies a discovery session run.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or strategy milestone occurred.
	Stage Stage
	// Host scopes the event to a target host label.
	Host string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Strategy names the discovery strategy for strategy-scoped stages.
	Strategy string
	// Found carries the number of candidate items produced.
	Found int
	// Dur captures execution latency for strategy and session completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError, StageEnhanceItem:
	case StageStrategyTry, StageStrategyHit, StageStrategyMiss:
		if e.Strategy == "" {
			return fmt.Errorf("stage %s requires a strategy", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
