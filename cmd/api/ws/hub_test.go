package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "events")
	defer sub.Close()
	ch := sub.Channel()

	ev := Event{Type: "sla_escalated", Data: map[string]any{"ticket_id": "t1", "level": 2, "status": "critical"}}
	PublishEvent(ctx, rdb, ev)

	msg := <-ch
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != ev.Type {
		t.Fatalf("want %s got %s", ev.Type, got.Type)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["ticket_id"] != "t1" {
		t.Fatalf("payload lost in transit: %+v", got.Data)
	}
}
