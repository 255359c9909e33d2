package sla

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Alert is one row of the escalation audit trail. At most one exists per
// (ticket, level) for a ticket's lifetime; the database enforces it.
type Alert struct {
	ID             string     `json:"id"`
	TicketID       string     `json:"ticket_id"`
	Level          int        `json:"alert_level"`
	ConsumptionPct float64    `json:"consumption_pct"`
	NotifiedEmails []string   `json:"notified_emails"`
	Channel        string     `json:"notification_channel"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Notification targets one role member for one alert. Delivery belongs to
// the worker; this core only records who should hear about it.
type Notification struct {
	TicketID string `json:"ticket_id"`
	Level    int    `json:"alert_level"`
	Role     string `json:"role"`
	Email    string `json:"email"`
	Channel  string `json:"channel"`
}

// HistoryEntry is a human-readable audit line for a pause, resume,
// escalation or resolution.
type HistoryEntry struct {
	TicketID string
	Actor    string
	Action   string
	Reason   string
}

// Store persists SLA records and their side effects.
type Store interface {
	Get(ctx context.Context, ticketID string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	// UpdateGuarded writes rec only if the stored version still equals
	// prevVersion; otherwise ErrConflict.
	UpdateGuarded(ctx context.Context, rec *Record, prevVersion int64) error
	InsertAlert(ctx context.Context, a *Alert) (bool, error)
	InsertNotifications(ctx context.Context, ns []Notification) error
	AppendHistory(ctx context.Context, h HistoryEntry) error
	EmailsForRoles(ctx context.Context, roles []string) ([]string, error)
	ListOpen(ctx context.Context) ([]string, error)
}

// StoreDB extends DB with Exec for mutations.
type StoreDB interface {
	DB
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the Postgres store. Q, when set, receives delivery jobs for the
// worker; enqueue failures are logged and never fail the caller.
type PGStore struct {
	DB StoreDB
	Q  *redis.Client
}

const recordCols = `ticket_id::text, scope, priority, created_at, resolved_at, response_due, resolution_due,
resolution_type, paused_at, paused_ms, consumption_pct, status, escalation_level, version`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var rt, status string
	var pausedMS int64
	err := row.Scan(&r.TicketID, &r.Scope, &r.Priority, &r.CreatedAt, &r.ResolvedAt, &r.ResponseDue,
		&r.ResolutionDue, &rt, &r.PausedAt, &pausedMS, &r.ConsumptionPct, &status, &r.Level, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ResolutionType = ResolutionType(rt)
	r.Status = Status(status)
	r.PausedAccum = time.Duration(pausedMS) * time.Millisecond
	return &r, nil
}

func (s *PGStore) Get(ctx context.Context, ticketID string) (*Record, error) {
	return scanRecord(s.DB.QueryRow(ctx, `select `+recordCols+` from ticket_slas where ticket_id=$1`, ticketID))
}

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	const q = `insert into ticket_slas
(ticket_id, scope, priority, created_at, response_due, resolution_due, resolution_type, status, escalation_level, version)
values ($1, $2, $3, $4, $5, $6, $7, $8, 0, 1)`
	_, err := s.DB.Exec(ctx, q, rec.TicketID, rec.Scope, rec.Priority, rec.CreatedAt,
		rec.ResponseDue, rec.ResolutionDue, string(rec.ResolutionType), string(rec.Status))
	if err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

func (s *PGStore) UpdateGuarded(ctx context.Context, rec *Record, prevVersion int64) error {
	const q = `update ticket_slas
set resolved_at=$1, paused_at=$2, paused_ms=$3, consumption_pct=$4, status=$5, escalation_level=$6,
    version=version+1, updated_at=now()
where ticket_id=$7 and version=$8`
	tag, err := s.DB.Exec(ctx, q, rec.ResolvedAt, rec.PausedAt, rec.PausedAccum.Milliseconds(),
		rec.ConsumptionPct, string(rec.Status), rec.Level, rec.TicketID, prevVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	rec.Version = prevVersion + 1
	return nil
}

// InsertAlert returns false when the (ticket, level) alert already exists.
func (s *PGStore) InsertAlert(ctx context.Context, a *Alert) (bool, error) {
	const q = `insert into escalation_alerts (ticket_id, alert_level, consumption_pct, notified_emails, notification_channel)
values ($1, $2, $3, $4, $5)
on conflict (ticket_id, alert_level) do nothing`
	tag, err := s.DB.Exec(ctx, q, a.TicketID, a.Level, a.ConsumptionPct, a.NotifiedEmails, a.Channel)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type deliveryJob struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *PGStore) InsertNotifications(ctx context.Context, ns []Notification) error {
	const q = `insert into notifications (ticket_id, alert_level, role, email, channel) values ($1, $2, $3, $4, $5)`
	for _, n := range ns {
		if _, err := s.DB.Exec(ctx, q, n.TicketID, n.Level, n.Role, n.Email, n.Channel); err != nil {
			return err
		}
	}
	if s.Q != nil {
		for _, n := range ns {
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			b, _ := json.Marshal(deliveryJob{Type: "sla_alert_email", Data: data})
			if err := s.Q.RPush(ctx, "jobs", b).Err(); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("ticket", n.TicketID).Int("level", n.Level).Msg("enqueue delivery job")
			}
		}
	}
	return nil
}

func (s *PGStore) AppendHistory(ctx context.Context, h HistoryEntry) error {
	const q = `insert into ticket_history (ticket_id, actor, action, reason) values ($1, $2, $3, $4)`
	_, err := s.DB.Exec(ctx, q, h.TicketID, h.Actor, h.Action, h.Reason)
	return err
}

// EmailsForRoles resolves the members of the given roles to addresses.
func (s *PGStore) EmailsForRoles(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	const q = `select distinct u.email
from users u
join user_roles ur on ur.user_id = u.id
join roles r on r.id = ur.role_id
where r.name = any($1) and coalesce(u.email, '') <> ''
order by u.email`
	rows, err := s.DB.Query(ctx, q, roles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOpen returns ids of tickets whose clocks are running.
func (s *PGStore) ListOpen(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `select ticket_id::text from ticket_slas where resolved_at is null and paused_at is null`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
