package sla

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var sweepTickets = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "sla_sweep_tickets_total",
	Help: "Tickets recomputed by the periodic sweep",
})

func init() { prometheus.MustRegister(sweepTickets) }

// Sweeper recomputes every running ticket. Tickets are independent, so the
// pass fans out over a bounded worker pool; the whole pass is time-boxed so a
// slow configuration lookup cannot stall it. A cancelled pass leaves no
// partial mutation because nothing is written until a full
// read-compute-guarded-write cycle succeeds.
//
// The sweeper holds no timer of its own; a scheduler, queue consumer or test
// drives Run.
type Sweeper struct {
	Engine  *Engine
	Workers int
	Budget  time.Duration
}

// Run performs one sweep pass and returns how many tickets were recomputed.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	workers := s.Workers
	if workers <= 0 {
		workers = 8
	}
	if s.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Budget)
		defer cancel()
	}
	ids, err := s.Engine.Store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	ch := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ch {
				if _, err := s.Engine.Recompute(ctx, id); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					log.Ctx(ctx).Error().Err(err).Str("ticket", id).Msg("sweep recompute")
					continue
				}
				sweepTickets.Inc()
				mu.Lock()
				done++
				mu.Unlock()
			}
		}()
	}
feed:
	for _, id := range ids {
		select {
		case <-ctx.Done():
			break feed
		case ch <- id:
		}
	}
	close(ch)
	wg.Wait()
	return done, ctx.Err()
}
