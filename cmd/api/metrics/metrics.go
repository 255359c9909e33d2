package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apppkg "github.com/mark3748/slawatch-go/cmd/api/app"
)

// Summary is the dashboard rollup: ticket counts per SLA status, how many
// clocks are paused, and the breach ratio over resolved tickets.
type Summary struct {
	Total          int     `json:"total"`
	Healthy        int     `json:"healthy"`
	Warning        int     `json:"warning"`
	Critical       int     `json:"critical"`
	Breached       int     `json:"breached"`
	Paused         int     `json:"paused"`
	Resolved       int     `json:"resolved"`
	OpenAlerts     int     `json:"open_alerts"`
	AvgConsumption float64 `json:"avg_consumption_pct"`
	BreachRatio    float64 `json:"breach_ratio"`
}

// SLASummary aggregates the SLA state of all tickets, optionally filtered by
// scope.
func SLASummary(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, Summary{})
			return
		}
		ctx := c.Request.Context()
		where := ""
		args := []any{}
		if v := c.Query("scope"); v != "" {
			where = " where scope=$1"
			args = append(args, v)
		}
		const base = `select count(*),
count(*) filter (where status='healthy'),
count(*) filter (where status='warning'),
count(*) filter (where status='critical'),
count(*) filter (where status='breached'),
count(*) filter (where status='paused'),
count(*) filter (where resolved_at is not null),
coalesce(avg(consumption_pct), 0)
from ticket_slas`
		var s Summary
		if err := a.DB.QueryRow(ctx, base+where, args...).Scan(
			&s.Total, &s.Healthy, &s.Warning, &s.Critical, &s.Breached,
			&s.Paused, &s.Resolved, &s.AvgConsumption); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s.Resolved > 0 {
			var breachedResolved int
			q := `select count(*) from ticket_slas where resolved_at is not null and status='breached'`
			if where != "" {
				q += " and scope=$1"
			}
			if err := a.DB.QueryRow(ctx, q, args...).Scan(&breachedResolved); err == nil {
				s.BreachRatio = float64(breachedResolved) / float64(s.Resolved)
			}
		}
		if err := a.DB.QueryRow(ctx, `select count(*) from escalation_alerts where not acknowledged`).Scan(&s.OpenAlerts); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
