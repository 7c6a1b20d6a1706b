package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

// Dispatcher runs many requests at once. The browser page ceiling is still
// enforced by the shared pool; the worker limit only bounds how many
// requests are in flight.
type Dispatcher struct {
	orch    *Orchestrator
	workers int
}

func NewDispatcher(orch *Orchestrator, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 3
	}
	return &Dispatcher{orch: orch, workers: workers}
}

// AttemptAll returns one result per request, in request order.
func (d *Dispatcher) AttemptAll(ctx context.Context, reqs []Request) []result.AttemptResult {
	out := make([]result.AttemptResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			out[i] = d.orch.AttemptUnsubscribe(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
