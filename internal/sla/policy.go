package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of a pgx pool the configuration provider needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Policy is one SLA configuration row for a (scope, priority) pair. It is
// read once at ticket creation and pinned onto the ticket; later edits never
// retroactively change in-flight tickets.
type Policy struct {
	Scope           string         `json:"scope"`
	Priority        int16          `json:"priority"`
	ResponseHours   float64        `json:"response_hours"`
	ResolutionHours float64        `json:"resolution_hours"`
	ResolutionType  ResolutionType `json:"resolution_type"`
}

// EscalationStep is one rung of a scope's escalation ladder. Unlike Policy,
// the ladder is re-read live on every recomputation so policy changes apply
// to active tickets.
type EscalationStep struct {
	Level        int      `json:"level"`
	ThresholdPct float64  `json:"threshold_percent"`
	NotifyRoles  []string `json:"notify_roles"`
	Action       string   `json:"action_description"`
}

// ValidateLadder enforces strictly increasing levels and thresholds.
func ValidateLadder(steps []EscalationStep) error {
	for i, s := range steps {
		if s.Level <= 0 {
			return fmt.Errorf("%w: escalation level %d must be positive", ErrInvalidConfig, s.Level)
		}
		if i > 0 {
			prev := steps[i-1]
			if s.Level <= prev.Level {
				return fmt.Errorf("%w: escalation levels not strictly increasing at level %d", ErrInvalidConfig, s.Level)
			}
			if s.ThresholdPct <= prev.ThresholdPct {
				return fmt.Errorf("%w: escalation thresholds not strictly increasing at level %d", ErrInvalidConfig, s.Level)
			}
		}
	}
	return nil
}

// ConfigProvider exposes the two configuration lookups plus the scope
// calendar. Both configuration tables are owned by an external collaborator;
// this engine only reads them.
type ConfigProvider interface {
	Policy(ctx context.Context, scope string, priority int16) (Policy, error)
	Ladder(ctx context.Context, scope string) ([]EscalationStep, error)
	Calendar(ctx context.Context, scope string) (*Calendar, error)
}

// PGProvider reads configuration from Postgres. Ladders and calendars are
// cached per scope with a short validity window; staleness only delays
// escalation decisions, it never corrupts them.
type PGProvider struct {
	DB       DB
	CacheTTL time.Duration

	mu        sync.Mutex
	ladders   map[string]cachedLadder
	calendars map[string]cachedCalendar
}

type cachedLadder struct {
	steps   []EscalationStep
	expires time.Time
}

type cachedCalendar struct {
	cal     *Calendar
	expires time.Time
}

func NewPGProvider(db DB, ttl time.Duration) *PGProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PGProvider{
		DB:        db,
		CacheTTL:  ttl,
		ladders:   map[string]cachedLadder{},
		calendars: map[string]cachedCalendar{},
	}
}

// Policy returns the SLA configuration row for (scope, priority). A missing
// row is a configuration error, not a missing-ticket error.
func (p *PGProvider) Policy(ctx context.Context, scope string, priority int16) (Policy, error) {
	const q = `select scope, priority, response_hours, resolution_hours, resolution_type
from sla_policies where scope=$1 and priority=$2`
	var pol Policy
	var rt string
	err := p.DB.QueryRow(ctx, q, scope, priority).Scan(&pol.Scope, &pol.Priority, &pol.ResponseHours, &pol.ResolutionHours, &rt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, fmt.Errorf("%w: no sla policy for scope %q priority %d", ErrInvalidConfig, scope, priority)
	}
	if err != nil {
		return Policy{}, err
	}
	pol.ResolutionType = ResolutionType(rt)
	if pol.ResolutionType != ResolutionCalendar && pol.ResolutionType != ResolutionBusinessHours {
		return Policy{}, fmt.Errorf("%w: unknown resolution type %q", ErrInvalidConfig, rt)
	}
	if pol.ResolutionHours <= 0 {
		return Policy{}, fmt.Errorf("%w: resolution window must be positive", ErrInvalidConfig)
	}
	return pol, nil
}

// Ladder returns the scope's escalation steps ordered by level.
func (p *PGProvider) Ladder(ctx context.Context, scope string) ([]EscalationStep, error) {
	p.mu.Lock()
	if c, ok := p.ladders[scope]; ok && time.Now().Before(c.expires) {
		p.mu.Unlock()
		return c.steps, nil
	}
	p.mu.Unlock()

	const q = `select level, threshold_percent, notify_roles, coalesce(action_description, '')
from escalation_policies where scope=$1 order by level`
	rows, err := p.DB.Query(ctx, q, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := []EscalationStep{}
	for rows.Next() {
		var s EscalationStep
		if err := rows.Scan(&s.Level, &s.ThresholdPct, &s.NotifyRoles, &s.Action); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := ValidateLadder(steps); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.ladders[scope] = cachedLadder{steps: steps, expires: time.Now().Add(p.CacheTTL)}
	p.mu.Unlock()
	return steps, nil
}

// Calendar returns the scope's business-hours calendar.
func (p *PGProvider) Calendar(ctx context.Context, scope string) (*Calendar, error) {
	p.mu.Lock()
	if c, ok := p.calendars[scope]; ok && time.Now().Before(c.expires) {
		p.mu.Unlock()
		return c.cal, nil
	}
	p.mu.Unlock()

	const q = `select tz, day_start_sec, day_end_sec, weekdays from calendars where scope=$1`
	var tz string
	var startSec, endSec, mask int
	err := p.DB.QueryRow(ctx, q, scope).Scan(&tz, &startSec, &endSec, &mask)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no calendar for scope %q", ErrInvalidConfig, scope)
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timezone %q: %v", ErrInvalidConfig, tz, err)
	}
	cal := &Calendar{
		Location: loc,
		DayStart: time.Duration(startSec) * time.Second,
		DayEnd:   time.Duration(endSec) * time.Second,
		Weekdays: map[time.Weekday]bool{},
		Holidays: map[time.Time]struct{}{},
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if mask&(1<<uint(wd)) != 0 {
			cal.Weekdays[wd] = true
		}
	}
	hrows, err := p.DB.Query(ctx, `select date from holidays where scope=$1`, scope)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var d time.Time
		if err := hrows.Scan(&d); err == nil {
			day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
			cal.Holidays[day] = struct{}{}
		}
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calendars[scope] = cachedCalendar{cal: cal, expires: time.Now().Add(p.CacheTTL)}
	p.mu.Unlock()
	return cal, nil
}
