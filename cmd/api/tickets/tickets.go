package tickets

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/slawatch-go/cmd/api/app"
	slapkg "github.com/mark3748/slawatch-go/internal/sla"
)

// Ticket is the listing/detail shape, ticket fields joined with the SLA
// sub-record.
type Ticket struct {
	ID             string     `json:"id"`
	Number         any        `json:"number,omitempty"`
	Title          string     `json:"title,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	Priority       int16      `json:"priority,omitempty"`
	RequesterEmail string     `json:"requester_email,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResponseDue    time.Time  `json:"response_due"`
	ResolutionDue  time.Time  `json:"resolution_due"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	SLAStatus      string     `json:"sla_status"`
	ConsumptionPct float64    `json:"sla_consumption_pct"`
	Level          int        `json:"escalation_level"`
}

// createTicketReq mirrors the JSON body for creating a ticket.
type createTicketReq struct {
	Title          string `json:"title" binding:"required,min=3"`
	Description    string `json:"description"`
	Scope          string `json:"scope"`
	Priority       int16  `json:"priority" binding:"required,min=1,max=5"`
	RequesterEmail string `json:"requester_email" binding:"omitempty,email"`
}

const ticketCols = `t.id::text, t.number, t.title, t.scope, t.priority, coalesce(t.requester_email, ''),
s.created_at, s.resolved_at, s.response_due, s.resolution_due, s.paused_at, s.status, s.consumption_pct, s.escalation_level`

func scanTicket(row interface{ Scan(dest ...any) error }) (Ticket, error) {
	var t Ticket
	var number any
	err := row.Scan(&t.ID, &number, &t.Title, &t.Scope, &t.Priority, &t.RequesterEmail,
		&t.CreatedAt, &t.ResolvedAt, &t.ResponseDue, &t.ResolutionDue, &t.PausedAt,
		&t.SLAStatus, &t.ConsumptionPct, &t.Level)
	t.Number = number
	return t, err
}

// Create inserts a ticket and stamps its SLA record from the pinned policy.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createTicketReq
		if err := c.ShouldBindJSON(&in); err != nil {
			errs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					errs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
			return
		}
		if in.Scope == "" {
			in.Scope = "default"
		}
		// Test mode: no DB attached
		if a.DB == nil {
			c.JSON(http.StatusCreated, Ticket{Title: in.Title, Scope: in.Scope, Priority: in.Priority})
			return
		}
		ctx := c.Request.Context()
		// Ticket row and SLA record commit together; a ticket without a clock
		// would be invisible to the sweep and the list joins.
		tx, err := a.DB.Begin(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer func() {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				log.Ctx(ctx).Error().Err(rerr).Msg("rollback ticket insert")
			}
		}()
		const q = `with s as (select nextval('ticket_seq') n)
insert into tickets (number, title, description, scope, priority, requester_email)
values ((select 'SW-'||n from s), $1, $2, $3, $4, nullif($5, ''))
returning id::text, number, created_at`
		var id string
		var number any
		var createdAt time.Time
		if err := tx.QueryRow(ctx, q, in.Title, in.Description, in.Scope, in.Priority, in.RequesterEmail).Scan(&id, &number, &createdAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		rec, err := a.Engine.CreateRecordIn(ctx, &slapkg.PGStore{DB: tx}, id, in.Scope, in.Priority, createdAt)
		if err != nil {
			app.AbortEngine(c, err)
			return
		}
		if err := tx.Commit(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, Ticket{
			ID:             id,
			Number:         number,
			Title:          in.Title,
			Scope:          in.Scope,
			Priority:       in.Priority,
			RequesterEmail: in.RequesterEmail,
			CreatedAt:      createdAt,
			ResponseDue:    rec.ResponseDue,
			ResolutionDue:  rec.ResolutionDue,
			SLAStatus:      string(rec.Status),
		})
	}
}

// List returns recent tickets with their SLA fields.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []Ticket{})
			return
		}
		where := []string{}
		args := []any{}
		if v := strings.TrimSpace(c.Query("scope")); v != "" {
			where = append(where, fmt.Sprintf("t.scope = $%d", len(args)+1))
			args = append(args, v)
		}
		if v := strings.TrimSpace(c.Query("priority")); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				where = append(where, fmt.Sprintf("t.priority = $%d", len(args)+1))
				args = append(args, p)
			}
		}
		if v := strings.TrimSpace(c.Query("sla_status")); v != "" {
			st, err := slapkg.ParseStatus(v)
			if err != nil {
				app.AbortEngine(c, err)
				return
			}
			where = append(where, fmt.Sprintf("s.status = $%d", len(args)+1))
			args = append(args, string(st))
		}
		sql := `select ` + ticketCols + ` from tickets t join ticket_slas s on s.ticket_id = t.id`
		if len(where) > 0 {
			sql += " where " + strings.Join(where, " and ")
		}
		sql += " order by s.created_at desc limit 100"
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Ticket{}
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, t)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns a ticket by id. Consumption is refreshed on read; a refresh
// failure only logs, the stored values still render.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, Ticket{})
			return
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		if a.Engine != nil {
			if _, err := a.Engine.Recompute(ctx, id); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("ticket", id).Msg("recompute on read")
			}
		}
		row := a.DB.QueryRow(ctx, `select `+ticketCols+` from tickets t join ticket_slas s on s.ticket_id = t.id where t.id=$1`, id)
		t, err := scanTicket(row)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
