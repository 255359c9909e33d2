package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	app "github.com/mark3748/slawatch-go/cmd/api/app"
)

// AuthUser represents the authenticated user.
type AuthUser struct {
	ID          string   `json:"id"`
	ExternalID  string   `json:"external_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (u AuthUser) GetRoles() []string { return u.Roles }

// Middleware performs JWT validation or bypass during tests.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			c.Set("user", AuthUser{
				ID:          "test-user",
				ExternalID:  "test",
				Email:       "test@example.com",
				DisplayName: "Test User",
				Roles:       []string{"agent"},
			})
			c.Next()
			return
		}
		if a.Cfg.AuthMode == "local" {
			tokenStr, err := c.Cookie("auth")
			if err != nil || tokenStr == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth cookie"})
				return
			}
			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method")
				}
				return []byte(a.Cfg.AuthLocalSecret), nil
			})
			if err != nil || !token.Valid {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
				return
			}
			uid, _ := claims["sub"].(string)
			ctx := c.Request.Context()
			var userID, mail, displayName string
			if err := a.DB.QueryRow(ctx, "select id::text, coalesce(email,''), coalesce(display_name,'') from users where id=$1", uid).Scan(&userID, &mail, &displayName); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
				return
			}
			roles := []string{}
			if rows, err := a.DB.Query(ctx, "select r.name from user_roles ur join roles r on ur.role_id=r.id where ur.user_id=$1", userID); err == nil {
				defer rows.Close()
				for rows.Next() {
					var role string
					if err := rows.Scan(&role); err == nil {
						roles = append(roles, role)
					}
				}
			}
			c.Set("user", AuthUser{ID: userID, Email: mail, DisplayName: displayName, Roles: roles})
			c.Next()
			return
		}
		if a.Keyf == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwks not configured"})
			return
		}
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, a.Keyf)
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		u := AuthUser{
			ExternalID:  getStringClaim(claims, "sub"),
			Email:       getStringClaim(claims, "email"),
			DisplayName: getStringClaim(claims, "name"),
		}
		if u.DisplayName == "" {
			u.DisplayName = getStringClaim(claims, "preferred_username")
		}
		if groups, ok := claims[a.Cfg.OIDCGroupClaim]; ok {
			switch g := groups.(type) {
			case []interface{}:
				for _, v := range g {
					if s, ok := v.(string); ok {
						u.Roles = append(u.Roles, s)
					}
				}
			case []string:
				u.Roles = append(u.Roles, g...)
			case string:
				u.Roles = append(u.Roles, g)
			}
		}
		c.Set("user", u)
		c.Next()
	}
}

func getStringClaim(c jwt.MapClaims, key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Me returns the authenticated user.
func Me(c *gin.Context) {
	u, ok := c.Get("user")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// RequireRole ensures the user has one of the required roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uVal, ok := c.Get("user")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		user, ok := uVal.(AuthUser)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user"})
			return
		}
		for _, r := range user.Roles {
			if r == "admin" {
				c.Next()
				return
			}
		}
		for _, r := range user.Roles {
			for _, want := range roles {
				if r == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates against the local users table and issues an HMAC
// session cookie. Only available when AuthMode is "local".
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.AuthMode != "local" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "login disabled"})
			return
		}
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		var id, hash, email, displayName string
		err := a.DB.QueryRow(ctx, "select id::text, coalesce(password_hash,''), coalesce(email,''), coalesce(display_name,'') from users where lower(username)=lower($1)", in.Username).Scan(&id, &hash, &email, &displayName)
		if err != nil || id == "" || hash == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		claims := jwt.MapClaims{
			"sub":   id,
			"name":  displayName,
			"email": email,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(24 * time.Hour).Unix(),
			"mode":  "local",
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := token.SignedString([]byte(a.Cfg.AuthLocalSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token"})
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie("auth", s, 86400, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Logout clears the session cookie.
func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetCookie("auth", "", -1, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// ListUserRoles returns the role names assigned to a user. Role membership
// drives escalation notification fan-out, so admins manage it here.
func ListUserRoles(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, []string{})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			"select r.name from user_roles ur join roles r on ur.role_id=r.id where ur.user_id=$1 order by r.name", c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []string{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err == nil {
				out = append(out, name)
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

type roleReq struct {
	Role string `json:"role" binding:"required"`
}

func AddUserRole(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in roleReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if a.DB == nil {
			c.Status(http.StatusCreated)
			return
		}
		const q = `insert into user_roles (user_id, role_id)
select $1, r.id from roles r where r.name=$2 on conflict do nothing`
		if _, err := a.DB.Exec(c.Request.Context(), q, c.Param("id"), in.Role); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusCreated)
	}
}

func RemoveUserRole(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.DB == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		const q = `delete from user_roles where user_id=$1 and role_id=(select id from roles where name=$2)`
		if _, err := a.DB.Exec(c.Request.Context(), q, c.Param("id"), c.Param("role")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
