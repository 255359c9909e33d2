package tickets

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/mark3748/slawatch-go/cmd/api/app"
	authpkg "github.com/mark3748/slawatch-go/cmd/api/auth"
	eventspkg "github.com/mark3748/slawatch-go/cmd/api/events"
	slapkg "github.com/mark3748/slawatch-go/internal/sla"
)

type actionReq struct {
	Reason     string     `json:"reason"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// Action dispatches the manual SLA actions: pause, resume, escalate,
// resolve. Unknown action names are a validation error, not a 404.
func Action(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in actionReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&in); err != nil {
				app.AbortError(c, http.StatusBadRequest, "validation", "invalid json body", nil)
				return
			}
		}
		actor := "system"
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok {
				if u.ID != "" {
					actor = u.ID
				} else if u.Email != "" {
					actor = u.Email
				}
			}
		}
		ctx := c.Request.Context()
		id := c.Param("id")
		action := c.Param("action")
		var rec *slapkg.Record
		var err error
		switch action {
		case "pause":
			rec, err = a.Engine.Pause(ctx, id, actor, in.Reason)
		case "resume":
			rec, err = a.Engine.Resume(ctx, id, actor, in.Reason)
		case "escalate":
			rec, err = a.Engine.Escalate(ctx, id, actor, in.Reason)
		case "resolve":
			var at time.Time
			if in.ResolvedAt != nil {
				at = *in.ResolvedAt
			}
			rec, err = a.Engine.Resolve(ctx, id, at, actor)
		default:
			app.AbortEngine(c, fmt.Errorf("%w: unsupported action %q", slapkg.ErrValidation, action))
			return
		}
		if err != nil {
			app.AbortEngine(c, err)
			return
		}
		eventspkg.Emit(ctx, a.DB, id, "sla_"+action, rec)
		c.JSON(http.StatusOK, rec)
	}
}

// Recompute refreshes one ticket on demand, for schedulers or dashboards
// that want a fresh percentage without waiting for the sweep.
func Recompute(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := a.Engine.Recompute(c.Request.Context(), c.Param("id"))
		if err != nil {
			app.AbortEngine(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// History lists the audit trail for a ticket.
func History(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []gin.H{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select actor, action, coalesce(reason, ''), created_at from ticket_history where ticket_id=$1 order by created_at desc limit 200`,
			c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		type entry struct {
			Actor     string    `json:"actor"`
			Action    string    `json:"action"`
			Reason    string    `json:"reason,omitempty"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := []entry{}
		for rows.Next() {
			var e entry
			if err := rows.Scan(&e.Actor, &e.Action, &e.Reason, &e.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, e)
		}
		c.JSON(http.StatusOK, out)
	}
}
