package alerts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apppkg "github.com/mark3748/slawatch-go/cmd/api/app"
	authpkg "github.com/mark3748/slawatch-go/cmd/api/auth"
	slapkg "github.com/mark3748/slawatch-go/internal/sla"
)

const alertCols = `id::text, ticket_id::text, alert_level, consumption_pct, notified_emails,
notification_channel, acknowledged, acknowledged_by, acknowledged_at, created_at`

func scanAlert(row interface{ Scan(dest ...any) error }) (slapkg.Alert, error) {
	var a slapkg.Alert
	err := row.Scan(&a.ID, &a.TicketID, &a.Level, &a.ConsumptionPct, &a.NotifiedEmails,
		&a.Channel, &a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.CreatedAt)
	return a, err
}

func listQuery(a *apppkg.App, c *gin.Context, sql string, args ...any) {
	rows, err := a.DB.Query(c.Request.Context(), sql, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer rows.Close()
	out := []slapkg.Alert{}
	for rows.Next() {
		al, err := scanAlert(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, al)
	}
	c.JSON(http.StatusOK, out)
}

// List returns recent escalation alerts, optionally only unacknowledged ones.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []slapkg.Alert{})
			return
		}
		sql := `select ` + alertCols + ` from escalation_alerts`
		if c.Query("acknowledged") == "false" {
			sql += ` where not acknowledged`
		}
		sql += ` order by created_at desc limit 200`
		listQuery(a, c, sql)
	}
}

// ListForTicket returns the alerts for one ticket, oldest first, tracing the
// escalation history.
func ListForTicket(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []slapkg.Alert{})
			return
		}
		listQuery(a, c, `select `+alertCols+` from escalation_alerts where ticket_id=$1 order by alert_level`, c.Param("id"))
	}
}

// Ack marks an alert acknowledged by the calling user. Acknowledging twice is
// harmless; the first acknowledger is kept.
func Ack(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"acknowledged": true})
			return
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
		const q = `update escalation_alerts
set acknowledged=true, acknowledged_by=$1, acknowledged_at=$2
where id=$3 and not acknowledged`
		if _, err := a.DB.Exec(ctx, q, actor, time.Now().UTC(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		row := a.DB.QueryRow(ctx, `select `+alertCols+` from escalation_alerts where id=$1`, c.Param("id"))
		al, err := scanAlert(row)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, al)
	}
}
