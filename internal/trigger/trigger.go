// Package trigger decides when retraining runs and guarantees that at most
// one run is in flight.
//
// The state machine Idle -> Triggered -> Running -> CoolingDown -> Idle is
// durable in a single Postgres row, so cooldown timers and in-flight state
// survive restarts. Transitions into Running use a compare-and-swap UPDATE;
// concurrent triggers race on the row and exactly one wins.
package trigger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the trigger state machine position.
type Status string

const (
	// StatusIdle accepts new triggers.
	StatusIdle Status = "idle"

	// StatusTriggered marks a fire decision recorded but the run not yet
	// claimed. Still accepts the CAS into Running.
	StatusTriggered Status = "triggered"

	// StatusRunning means a retraining run holds the lock.
	StatusRunning Status = "running"

	// StatusCoolingDown suppresses triggers until cooldown_until elapses.
	StatusCoolingDown Status = "cooling_down"
)

// ErrRetrainInProgress is returned when a trigger loses the CAS because a
// run is already active. Mapped to 409 on the manual API.
var ErrRetrainInProgress = errors.New("retraining already in progress")

// ErrCoolingDown is returned when a trigger arrives inside the cooldown
// interval after a completed run, regardless of that run's outcome.
var ErrCoolingDown = errors.New("retraining suppressed by cooldown")

// Trigger reasons. Multiple simultaneous breaches collapse into one event
// with reasons joined in evaluation order.
const (
	ReasonDrift        = "drift-exceeded"
	ReasonSatisfaction = "satisfaction-below-baseline"
	ReasonLatency      = "latency-above-ceiling"
	ReasonManual       = "manual"
)

// State is the durable trigger row.
type State struct {
	Status        Status     `json:"status"`
	LastReason    string     `json:"last_reason,omitempty"`
	LastRunID     *uuid.UUID `json:"last_run_id,omitempty"`
	LockToken     *uuid.UUID `json:"-"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CoolingDown reports whether the state suppresses triggers at the given
// instant. A cooling_down status with an elapsed deadline no longer
// suppresses; the row is lazily reset to idle on the next transition attempt.
func (s State) CoolingDown(now time.Time) bool {
	return s.Status == StatusCoolingDown &&
		s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}
