package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/mark3748/slawatch-go/internal/sla"
)

// Small ops tool for the delivery queue: inspect depth, or push a synthetic
// alert job to verify SMTP configuration end to end.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: slacli depth | test-alert <ticket_id> <email>")
		return
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	switch os.Args[1] {
	case "depth":
		n, err := rdb.LLen(ctx, "jobs").Result()
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(n)
	case "test-alert":
		if len(os.Args) < 4 {
			fmt.Println("ticket id and email required")
			return
		}
		data, _ := json.Marshal(sla.Notification{
			TicketID: os.Args[2],
			Level:    1,
			Role:     "manager",
			Email:    os.Args[3],
			Channel:  "email",
		})
		jb, _ := json.Marshal(struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}{"sla_alert_email", data})
		if err := rdb.RPush(ctx, "jobs", jb).Err(); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("queued")
	default:
		fmt.Println("unknown command")
	}
}
