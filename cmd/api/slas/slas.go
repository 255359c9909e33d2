package slas

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apppkg "github.com/mark3748/slawatch-go/cmd/api/app"
	slapkg "github.com/mark3748/slawatch-go/internal/sla"
)

// List returns SLA policies across scopes.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []slapkg.Policy{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select scope, priority, response_hours, resolution_hours, resolution_type from sla_policies order by scope, priority`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []slapkg.Policy{}
		for rows.Next() {
			var p slapkg.Policy
			var rt string
			if err := rows.Scan(&p.Scope, &p.Priority, &p.ResponseHours, &p.ResolutionHours, &rt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			p.ResolutionType = slapkg.ResolutionType(rt)
			out = append(out, p)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Ladder returns the escalation steps for one scope, lowest level first.
func Ladder(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []slapkg.EscalationStep{})
			return
		}
		scope := c.DefaultQuery("scope", "default")
		rows, err := a.DB.Query(c.Request.Context(),
			`select level, threshold_percent, notify_roles, coalesce(action_description, '') from escalation_policies where scope=$1 order by level`, scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []slapkg.EscalationStep{}
		for rows.Next() {
			var s slapkg.EscalationStep
			if err := rows.Scan(&s.Level, &s.ThresholdPct, &s.NotifyRoles, &s.Action); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, s)
		}
		c.JSON(http.StatusOK, out)
	}
}
