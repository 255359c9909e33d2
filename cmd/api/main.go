package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	alertspkg "github.com/mark3748/slawatch-go/cmd/api/alerts"
	apppkg "github.com/mark3748/slawatch-go/cmd/api/app"
	authpkg "github.com/mark3748/slawatch-go/cmd/api/auth"
	eventspkg "github.com/mark3748/slawatch-go/cmd/api/events"
	metricspkg "github.com/mark3748/slawatch-go/cmd/api/metrics"
	slaspkg "github.com/mark3748/slawatch-go/cmd/api/slas"
	ticketspkg "github.com/mark3748/slawatch-go/cmd/api/tickets"
	wspkg "github.com/mark3748/slawatch-go/cmd/api/ws"
	"github.com/mark3748/slawatch-go/internal/ratelimit"
	slapkg "github.com/mark3748/slawatch-go/internal/sla"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()
	cfg := apppkg.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using pgx stdlib driver
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	defer sqldb.Close()
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}

	keyf := jwksKeyfunc(ctx, cfg)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	if cfg.AuthMode == "local" && cfg.Env == "dev" {
		if err := seedLocalAdmin(ctx, pool, cfg.AdminPassword); err != nil {
			log.Error().Err(err).Msg("seed local admin")
		}
	}

	store := &slapkg.PGStore{DB: pool, Q: rdb}
	provider := slapkg.NewPGProvider(pool, time.Duration(cfg.ConfigCacheSeconds)*time.Second)
	engine := slapkg.NewEngine(store, provider)
	engine.Publish = func(ctx context.Context, ev slapkg.Event) {
		wspkg.PublishEvent(ctx, rdb, wspkg.Event{Type: ev.Type, Data: ev})
	}

	a := apppkg.NewApp(cfg, pool, keyf, rdb, engine)

	hub := wspkg.NewHub(rdb)
	go hub.Run(ctx)

	routes(a, hub)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

func routes(a *apppkg.App, hub *wspkg.Hub) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })
	a.R.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if a.Cfg.AuthMode == "local" {
		a.R.POST("/login", authpkg.Login(a))
		a.R.POST("/logout", authpkg.Logout())
	}

	auth := a.R.Group("/")
	auth.Use(authpkg.Middleware(a))
	auth.GET("/me", authpkg.Me)

	// Tickets and their SLA clocks
	auth.GET("/tickets", ticketspkg.List(a))
	auth.POST("/tickets", ticketspkg.Create(a))
	auth.GET("/tickets/:id", ticketspkg.Get(a))
	auth.GET("/tickets/:id/history", ticketspkg.History(a))
	auth.GET("/tickets/:id/alerts", alertspkg.ListForTicket(a))
	auth.POST("/tickets/:id/recompute", authpkg.RequireRole("agent"), ticketspkg.Recompute(a))

	// Manual clock actions share a per-user budget so a runaway script
	// cannot thrash pause/resume.
	actions := auth.Group("/")
	if a.Q != nil && a.Cfg.ActionRatePerMin > 0 {
		rl := ratelimit.New(a.Q, a.Cfg.ActionRatePerMin, time.Minute, "sla-actions")
		actions.Use(rl.Middleware(func(c *gin.Context) string {
			if v, ok := c.Get("user"); ok {
				if u, ok := v.(authpkg.AuthUser); ok && u.ID != "" {
					return u.ID
				}
			}
			return c.ClientIP()
		}))
	}
	actions.POST("/tickets/:id/sla/:action", authpkg.RequireRole("agent"), ticketspkg.Action(a))

	// Alerts
	auth.GET("/alerts", authpkg.RequireRole("agent"), alertspkg.List(a))
	auth.POST("/alerts/:id/ack", authpkg.RequireRole("agent"), alertspkg.Ack(a))

	// Configuration, read-only here; managed out of band
	auth.GET("/slas", slaspkg.List(a))
	auth.GET("/escalations", slaspkg.Ladder(a))

	// Dashboards
	auth.GET("/metrics/sla", authpkg.RequireRole("agent"), metricspkg.SLASummary(a))

	// Live updates
	auth.GET("/events", eventspkg.Stream(a))
	auth.GET("/ws", func(c *gin.Context) {
		conn, err := wspkg.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := wspkg.NewClient(hub, conn)
		hub.Register(client)
		go client.WritePump(c.Request.Context())
		client.ReadPump()
	})

	// User role administration (feeds notification fan-out)
	auth.GET("/users/:id/roles", authpkg.RequireRole("admin"), authpkg.ListUserRoles(a))
	auth.POST("/users/:id/roles", authpkg.RequireRole("admin"), authpkg.AddUserRole(a))
	auth.DELETE("/users/:id/roles/:role", authpkg.RequireRole("admin"), authpkg.RemoveUserRole(a))
}

// jwksKeyfunc fetches the OIDC JWKS and refreshes it periodically. Returns
// nil when no JWKS URL is configured.
func jwksKeyfunc(ctx context.Context, cfg apppkg.Config) jwt.Keyfunc {
	if cfg.JWKSURL == "" {
		return nil
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, cfg.JWKSURL, jwk.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), cfg.JWKSURL, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		// fallback: use the first key in the set
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			pair := it.Pair()
			if key, ok := pair.Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}
}

func seedLocalAdmin(ctx context.Context, db *pgxpool.Pool, password string) error {
	var exists bool
	if err := db.QueryRow(ctx, "select exists(select 1 from users where lower(username)='admin')").Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	var uid string
	if err := db.QueryRow(ctx, "insert into users (id, username, email, display_name, password_hash) values (gen_random_uuid(), 'admin', 'admin@example.com', 'Admin', $1) returning id::text", string(hash)).Scan(&uid); err != nil {
		return err
	}
	for _, role := range []string{"agent", "admin"} {
		_, _ = db.Exec(ctx, `insert into user_roles (user_id, role_id)
select $1, r.id from roles r where r.name=$2 on conflict do nothing`, uid, role)
	}
	log.Info().Str("username", "admin").Msg("seeded local admin user (dev)")
	return nil
}
