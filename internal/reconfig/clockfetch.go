package reconfig

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/audius/snapback-node/pkg/models"
)

// ClockPoller issues the outbound clock-status poll used to choose the new
// primary between the two healthy survivors. Satisfied by *collab.Client.
type ClockPoller interface {
	ClockStatus(ctx context.Context, target models.Endpoint, wallet string) (int64, error)
}

// clockFetcher fetches one wallet's clock value from each of a small set
// of endpoints in parallel. Grounded on the same errgroup fan-out shape
// used by the peer-set view for batched clock fetching, scaled down here
// to the two-survivor case of spec.md §4.5.
type clockFetcher struct {
	poller ClockPoller
}

func (f *clockFetcher) fetch(ctx context.Context, wallet string, endpoints []models.Endpoint) (map[models.Endpoint]int64, error) {
	type result struct {
		endpoint models.Endpoint
		clock    int64
	}
	results := make(chan result, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range endpoints {
		e := e
		g.Go(func() error {
			clock, err := f.poller.ClockStatus(gctx, e, wallet)
			if err != nil {
				return fmt.Errorf("clock status from %s: %w", e, err)
			}
			results <- result{endpoint: e, clock: clock}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make(map[models.Endpoint]int64, len(endpoints))
	for r := range results {
		out[r.endpoint] = r.clock
	}
	return out, nil
}
