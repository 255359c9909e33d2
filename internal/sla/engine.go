package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	alertsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sla_alerts_emitted_total",
		Help: "Escalation alerts written",
	})
	alertFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sla_alert_failures_total",
		Help: "Alert or notification persistence failures (non-fatal)",
	})
	conflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sla_conflict_retries_total",
		Help: "Optimistic-concurrency retries on ticket SLA writes",
	})
)

func init() {
	prometheus.MustRegister(alertsEmitted, alertFailures, conflictRetries)
}

// Event is published after a successful SLA mutation so dashboards can
// refresh without polling.
type Event struct {
	Type     string  `json:"type"`
	TicketID string  `json:"ticket_id"`
	Status   Status  `json:"sla_status"`
	Pct      float64 `json:"sla_consumption_pct"`
	Level    int     `json:"escalation_level"`
}

// Engine drives SLA consumption, classification, the pause/resume machine and
// the escalation ladder for one ticket at a time. All mutations follow a
// read-compute-guarded-write cycle; a stale write retries the whole
// computation.
type Engine struct {
	Store Store
	Cfg   ConfigProvider
	// Now is swappable for tests.
	Now func() time.Time
	// MaxRetries bounds guarded-write retries before ErrConflict surfaces.
	MaxRetries int
	// Publish, when set, receives an event after each committed mutation.
	Publish func(ctx context.Context, ev Event)
}

func NewEngine(store Store, cfg ConfigProvider) *Engine {
	return &Engine{Store: store, Cfg: cfg, Now: time.Now, MaxRetries: 3}
}

// CreateRecord pins the (scope, priority) policy onto a new ticket and stamps
// its due times. Called exactly once, when the ticket is created.
func (e *Engine) CreateRecord(ctx context.Context, ticketID, scope string, priority int16, createdAt time.Time) (*Record, error) {
	return e.CreateRecordIn(ctx, e.Store, ticketID, scope, priority, createdAt)
}

// CreateRecordIn writes the new record through the given store, so callers can
// bind the insert into the same transaction as the ticket row itself.
func (e *Engine) CreateRecordIn(ctx context.Context, store Store, ticketID, scope string, priority int16, createdAt time.Time) (*Record, error) {
	pol, err := e.Cfg.Policy(ctx, scope, priority)
	if err != nil {
		return nil, err
	}
	var cal *Calendar
	if pol.ResolutionType == ResolutionBusinessHours {
		if cal, err = e.Cfg.Calendar(ctx, scope); err != nil {
			return nil, err
		}
	}
	rec := &Record{
		TicketID:       ticketID,
		Scope:          scope,
		Priority:       priority,
		CreatedAt:      createdAt,
		ResponseDue:    DueAt(pol.ResolutionType, cal, createdAt, hours(pol.ResponseHours)),
		ResolutionDue:  DueAt(pol.ResolutionType, cal, createdAt, hours(pol.ResolutionHours)),
		ResolutionType: pol.ResolutionType,
		Status:         StatusHealthy,
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func (e *Engine) calendarFor(ctx context.Context, rec *Record) (*Calendar, error) {
	if rec.ResolutionType != ResolutionBusinessHours {
		return nil, nil
	}
	return e.Cfg.Calendar(ctx, rec.Scope)
}

// consumption derives the percentage fresh from timestamps. It never reads
// the previously stored value, so repeated invocations cannot compound error.
func (e *Engine) consumption(rec *Record, cal *Calendar, now time.Time) (float64, error) {
	ref := now
	switch {
	case rec.ResolvedAt != nil:
		ref = *rec.ResolvedAt
	case rec.PausedAt != nil:
		ref = *rec.PausedAt
	}
	elapsed := Elapsed(rec.ResolutionType, cal, rec.CreatedAt, ref) - rec.PausedAccum
	if elapsed < 0 {
		elapsed = 0
	}
	window := Elapsed(rec.ResolutionType, cal, rec.CreatedAt, rec.ResolutionDue)
	if window <= 0 {
		return 0, fmt.Errorf("%w: resolution window is empty for ticket %s", ErrInvalidConfig, rec.TicketID)
	}
	return 100 * float64(elapsed) / float64(window), nil
}

func targetLevel(ladder []EscalationStep, pct float64) int {
	level := 0
	for _, s := range ladder {
		if s.ThresholdPct <= pct {
			level = s.Level
		}
	}
	return level
}

// apply recomputes pct, status and ladder position on rec and returns the
// steps newly crossed. It mutates rec only; nothing is persisted here.
func (e *Engine) apply(rec *Record, cal *Calendar, ladder []EscalationStep, now time.Time) ([]EscalationStep, error) {
	pct, err := e.consumption(rec, cal, now)
	if err != nil {
		return nil, err
	}
	rec.ConsumptionPct = pct
	rec.Status = Classify(rec, pct, ladder)
	target := targetLevel(ladder, pct)
	if target <= rec.Level {
		return nil, nil
	}
	crossed := make([]EscalationStep, 0, target-rec.Level)
	for _, s := range ladder {
		if s.Level > rec.Level && s.Level <= target {
			crossed = append(crossed, s)
		}
	}
	rec.Level = target
	return crossed, nil
}

// Recompute refreshes a ticket's consumption, status and escalation level.
// Safe to call repeatedly from sweeps or on read.
func (e *Engine) Recompute(ctx context.Context, ticketID string) (*Record, error) {
	var rec *Record
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		var err error
		rec, err = e.Store.Get(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if rec.ResolvedAt != nil && rec.Status == StatusResolved {
			return rec, nil
		}
		cal, err := e.calendarFor(ctx, rec)
		if err != nil {
			return nil, err
		}
		ladder, err := e.Cfg.Ladder(ctx, rec.Scope)
		if err != nil {
			return nil, err
		}
		crossed, err := e.apply(rec, cal, ladder, e.Now())
		if err != nil {
			return nil, err
		}
		if err := e.Store.UpdateGuarded(ctx, rec, rec.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				continue
			}
			return nil, err
		}
		e.emitAlerts(ctx, rec, crossed)
		e.publish(ctx, "sla_recomputed", rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: ticket %s kept changing under recompute", ErrConflict, ticketID)
}

// Pause suspends the clock. The status is set directly; the frozen percentage
// is not reclassified until resume.
func (e *Engine) Pause(ctx context.Context, ticketID, actor, reason string) (*Record, error) {
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		rec, err := e.Store.Get(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if !canTransition(rec.clock(), clockPaused) {
			return nil, fmt.Errorf("%w: cannot pause a %s ticket", ErrInvalidState, rec.Status)
		}
		now := e.Now()
		rec.PausedAt = &now
		rec.Status = StatusPaused
		if err := e.Store.UpdateGuarded(ctx, rec, rec.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				continue
			}
			return nil, err
		}
		e.audit(ctx, ticketID, actor, "paused", reason)
		e.publish(ctx, "sla_paused", rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: ticket %s kept changing under pause", ErrConflict, ticketID)
}

// Resume closes the open pause interval, preserves the accrued service time
// and immediately recomputes so the status reflects consumption from before
// the pause. A long pause can cross several ladder steps in this one pass.
func (e *Engine) Resume(ctx context.Context, ticketID, actor, reason string) (*Record, error) {
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		rec, err := e.Store.Get(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if !canTransition(rec.clock(), clockRunning) || rec.PausedAt == nil {
			return nil, fmt.Errorf("%w: cannot resume a %s ticket", ErrInvalidState, rec.Status)
		}
		cal, err := e.calendarFor(ctx, rec)
		if err != nil {
			return nil, err
		}
		ladder, err := e.Cfg.Ladder(ctx, rec.Scope)
		if err != nil {
			return nil, err
		}
		now := e.Now()
		rec.PausedAccum += Elapsed(rec.ResolutionType, cal, *rec.PausedAt, now)
		rec.PausedAt = nil
		crossed, err := e.apply(rec, cal, ladder, now)
		if err != nil {
			return nil, err
		}
		if err := e.Store.UpdateGuarded(ctx, rec, rec.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				continue
			}
			return nil, err
		}
		e.audit(ctx, ticketID, actor, "resumed", reason)
		e.emitAlerts(ctx, rec, crossed)
		e.publish(ctx, "sla_resumed", rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: ticket %s kept changing under resume", ErrConflict, ticketID)
}

// Resolve stops the clock permanently. Resolving while paused first closes
// the open pause interval at resolvedAt so the paused stretch is not counted
// as consumed.
func (e *Engine) Resolve(ctx context.Context, ticketID string, resolvedAt time.Time, actor string) (*Record, error) {
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		rec, err := e.Store.Get(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if !canTransition(rec.clock(), clockResolved) {
			return nil, fmt.Errorf("%w: ticket already resolved", ErrInvalidState)
		}
		if resolvedAt.IsZero() {
			resolvedAt = e.Now()
		}
		if resolvedAt.Before(rec.CreatedAt) {
			return nil, fmt.Errorf("%w: resolved_at precedes creation", ErrValidation)
		}
		if rec.PausedAt != nil && resolvedAt.Before(*rec.PausedAt) {
			// Accepting this would subtract a negative interval from the pause
			// accumulator and inflate the closing consumption.
			return nil, fmt.Errorf("%w: resolved_at precedes the active pause", ErrValidation)
		}
		cal, err := e.calendarFor(ctx, rec)
		if err != nil {
			return nil, err
		}
		ladder, err := e.Cfg.Ladder(ctx, rec.Scope)
		if err != nil {
			return nil, err
		}
		if rec.PausedAt != nil {
			rec.PausedAccum += Elapsed(rec.ResolutionType, cal, *rec.PausedAt, resolvedAt)
			rec.PausedAt = nil
		}
		rec.ResolvedAt = &resolvedAt
		crossed, err := e.apply(rec, cal, ladder, resolvedAt)
		if err != nil {
			return nil, err
		}
		if err := e.Store.UpdateGuarded(ctx, rec, rec.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				continue
			}
			return nil, err
		}
		e.audit(ctx, ticketID, actor, "resolved", "")
		e.emitAlerts(ctx, rec, crossed)
		e.publish(ctx, "sla_resolved", rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: ticket %s kept changing under resolve", ErrConflict, ticketID)
}

// Escalate forces the ladder up one level regardless of consumption. A
// human-supplied reason is mandatory and always audited.
func (e *Engine) Escalate(ctx context.Context, ticketID, actor, reason string) (*Record, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: escalation reason is required", ErrValidation)
	}
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		rec, err := e.Store.Get(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if rec.clock() == clockResolved {
			return nil, fmt.Errorf("%w: cannot escalate a resolved ticket", ErrInvalidState)
		}
		cal, err := e.calendarFor(ctx, rec)
		if err != nil {
			return nil, err
		}
		ladder, err := e.Cfg.Ladder(ctx, rec.Scope)
		if err != nil {
			return nil, err
		}
		pct, err := e.consumption(rec, cal, e.Now())
		if err != nil {
			return nil, err
		}
		rec.ConsumptionPct = pct
		rec.Status = Classify(rec, pct, ladder)
		rec.Level++
		if err := e.Store.UpdateGuarded(ctx, rec, rec.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				continue
			}
			return nil, err
		}
		e.audit(ctx, ticketID, actor, "escalated", reason)
		step := EscalationStep{Level: rec.Level, NotifyRoles: rolesForLevel(ladder, rec.Level)}
		e.emitAlerts(ctx, rec, []EscalationStep{step})
		e.publish(ctx, "sla_escalated", rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: ticket %s kept changing under escalate", ErrConflict, ticketID)
}

func rolesForLevel(ladder []EscalationStep, level int) []string {
	for _, s := range ladder {
		if s.Level == level {
			return s.NotifyRoles
		}
	}
	return nil
}

// emitAlerts writes one alert per crossed step. Failures are logged and
// counted but never roll back the committed ticket mutation.
func (e *Engine) emitAlerts(ctx context.Context, rec *Record, crossed []EscalationStep) {
	for _, step := range crossed {
		var emails []string
		ns := []Notification{}
		for _, role := range step.NotifyRoles {
			addrs, err := e.Store.EmailsForRoles(ctx, []string{role})
			if err != nil {
				alertFailures.Inc()
				log.Ctx(ctx).Error().Err(err).Str("ticket", rec.TicketID).Str("role", role).Msg("resolve notify role")
				continue
			}
			for _, a := range addrs {
				emails = append(emails, a)
				ns = append(ns, Notification{TicketID: rec.TicketID, Level: step.Level, Role: role, Email: a, Channel: "email"})
			}
		}
		inserted, err := e.Store.InsertAlert(ctx, &Alert{
			TicketID:       rec.TicketID,
			Level:          step.Level,
			ConsumptionPct: rec.ConsumptionPct,
			NotifiedEmails: emails,
			Channel:        "email",
		})
		if err != nil {
			alertFailures.Inc()
			log.Ctx(ctx).Error().Err(err).Str("ticket", rec.TicketID).Int("level", step.Level).Msg("persist escalation alert")
			continue
		}
		if !inserted {
			continue
		}
		alertsEmitted.Inc()
		if err := e.Store.InsertNotifications(ctx, ns); err != nil {
			alertFailures.Inc()
			log.Ctx(ctx).Error().Err(err).Str("ticket", rec.TicketID).Int("level", step.Level).Msg("persist notifications")
		}
	}
}

// audit is best effort; a lost history line must not block SLA accuracy.
func (e *Engine) audit(ctx context.Context, ticketID, actor, action, reason string) {
	if err := e.Store.AppendHistory(ctx, HistoryEntry{TicketID: ticketID, Actor: actor, Action: action, Reason: reason}); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("ticket", ticketID).Str("action", action).Msg("append history")
	}
}

func (e *Engine) publish(ctx context.Context, typ string, rec *Record) {
	if e.Publish == nil {
		return
	}
	e.Publish(ctx, Event{Type: typ, TicketID: rec.TicketID, Status: rec.Status, Pct: rec.ConsumptionPct, Level: rec.Level})
}
