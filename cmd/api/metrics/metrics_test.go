package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apppkg "github.com/mark3748/slawatch-go/cmd/api/app"
	authpkg "github.com/mark3748/slawatch-go/cmd/api/auth"
)

// fakeDB answers the three summary queries in order.
type fakeDB struct{ call int }

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) { return nil, nil }
func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.call++
	return &fakeRow{call: db.call}
}

type fakeRow struct{ call int }

func (r *fakeRow) Scan(dest ...any) error {
	switch r.call {
	case 1: // rollup
		vals := []int{10, 5, 2, 1, 1, 1, 4}
		for i, v := range vals {
			*(dest[i].(*int)) = v
		}
		*(dest[7].(*float64)) = 61.5
	case 2: // breached among resolved
		*(dest[0].(*int)) = 1
	case 3: // open alerts
		*(dest[0].(*int)) = 3
	}
	return nil
}

func TestSLASummary(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := apppkg.Config{Env: "test", TestBypassAuth: true}
	a := apppkg.NewApp(cfg, &fakeDB{}, nil, nil, nil)
	a.R.GET("/metrics/sla", authpkg.Middleware(a), SLASummary(a))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/sla", nil)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 10 || out.Breached != 1 || out.OpenAlerts != 3 {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.BreachRatio != 0.25 {
		t.Fatalf("expected breach ratio 0.25, got %v", out.BreachRatio)
	}
}
