package sla

import (
	"fmt"
	"time"
)

// Status labels a ticket's SLA state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusBreached Status = "breached"
	StatusPaused   Status = "paused"
	StatusResolved Status = "resolved"
)

// ParseStatus rejects labels outside the enumeration.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusHealthy, StatusWarning, StatusCritical, StatusBreached, StatusPaused, StatusResolved:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown sla status %q", ErrValidation, s)
}

// clockState is the pause/resume machine: running -> paused -> running ...,
// with resolved terminal from either side.
type clockState int

const (
	clockRunning clockState = iota
	clockPaused
	clockResolved
)

func (r *Record) clock() clockState {
	switch {
	case r.ResolvedAt != nil:
		return clockResolved
	case r.PausedAt != nil:
		return clockPaused
	default:
		return clockRunning
	}
}

var clockTransitions = map[clockState]map[clockState]bool{
	clockRunning: {clockPaused: true, clockResolved: true},
	clockPaused:  {clockRunning: true, clockResolved: true},
}

func canTransition(from, to clockState) bool {
	return clockTransitions[from][to]
}

// Record is the SLA sub-record of a ticket. Due times and the resolution
// type are pinned from the policy at creation. Version guards every write.
type Record struct {
	TicketID       string         `json:"ticket_id"`
	Scope          string         `json:"scope"`
	Priority       int16          `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResponseDue    time.Time      `json:"response_due"`
	ResolutionDue  time.Time      `json:"resolution_due"`
	ResolutionType ResolutionType `json:"resolution_type"`
	PausedAt       *time.Time     `json:"paused_at,omitempty"`
	PausedAccum    time.Duration  `json:"-"`
	ConsumptionPct float64        `json:"sla_consumption_pct"`
	Status         Status         `json:"sla_status"`
	Level          int            `json:"escalation_level"`
	Version        int64          `json:"-"`
}

// defaultThresholds back the classifier when a scope has no ladder.
var defaultThresholds = []float64{75, 90, 100}

func labelFor(threshold float64) Status {
	switch {
	case threshold >= 100:
		return StatusBreached
	case threshold >= 90:
		return StatusCritical
	case threshold >= 75:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Classify maps consumption and pause state to a status label. Resolved
// overrides everything, then paused; otherwise the highest threshold at or
// below pct decides. Comparison is inclusive, so exactly 75.00 is warning.
func Classify(rec *Record, pct float64, ladder []EscalationStep) Status {
	if rec.ResolvedAt != nil {
		return StatusResolved
	}
	if rec.PausedAt != nil {
		return StatusPaused
	}
	thresholds := defaultThresholds
	if len(ladder) > 0 {
		thresholds = make([]float64, 0, len(ladder))
		for _, s := range ladder {
			thresholds = append(thresholds, s.ThresholdPct)
		}
	}
	status := StatusHealthy
	for _, th := range thresholds {
		if pct >= th {
			if s := labelFor(th); s != StatusHealthy {
				status = s
			}
		}
	}
	// A fully consumed window is a breach even when the scope's ladder has no
	// step at 100.
	if pct >= 100 {
		status = StatusBreached
	}
	return status
}
