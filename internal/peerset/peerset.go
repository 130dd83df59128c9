// Package peerset implements the Peer-Set View (C1): listing this node's
// users, probing peers for liveness, and fetching batched clock snapshots.
// Uses the same fan-out-over-a-worker-pool shape as a block-event
// processor would, here driving per-endpoint health and clock probes
// instead of per-block RPC calls.
package peerset

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/pkg/models"
)

// View implements the three C1 operations against a Discovery collaborator
// and an outbound HTTP client.
type View struct {
	self      models.Endpoint
	discovery collab.Discovery
	client    *collab.Client
	logger    zerolog.Logger
}

// New builds a View for the node at self.
func New(self models.Endpoint, discovery collab.Discovery, client *collab.Client, logger zerolog.Logger) *View {
	return &View{self: self, discovery: discovery, client: client, logger: logger.With().Str("component", "peerset").Logger()}
}

// ListUsers returns every user whose primary or secondary is this node.
// Failure is fatal for the calling iteration (spec.md §4.1, §7 DataFetchError).
func (v *View) ListUsers(ctx context.Context) ([]models.UserRecord, error) {
	users, err := v.discovery.ListUsersFor(ctx, v.self)
	if err != nil {
		return nil, fmt.Errorf("list users for %s: %w", v.self, err)
	}
	return users, nil
}

// UnhealthyPeers probes the union of endpoints appearing in users (excluding
// self) for health; returns the subset that failed, keyed to the transport
// error that caused the probe to fail (spec.md §7 TransientPeerError — the
// caller classifies and logs it for the per-iteration audit). Probes run in
// parallel, one per endpoint.
func (v *View) UnhealthyPeers(ctx context.Context, users []models.UserRecord) map[models.Endpoint]error {
	peers := make(map[models.Endpoint]struct{})
	for _, u := range users {
		for _, e := range u.Replicas() {
			if e != v.self {
				peers[e] = struct{}{}
			}
		}
	}

	type result struct {
		endpoint models.Endpoint
		err      error
	}
	results := make(chan result, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for peer := range peers {
		peer := peer
		g.Go(func() error {
			results <- result{endpoint: peer, err: v.client.HealthProbe(gctx, peer)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	unhealthy := make(map[models.Endpoint]error)
	for r := range results {
		if r.err != nil {
			unhealthy[r.endpoint] = r.err
		}
	}
	return unhealthy
}

// FetchClockMap issues one batched clock-status request per target
// secondary. usersBySecondary maps each target secondary to the wallets on
// this node that have it in their replica set. A failure of any single
// batch aborts the whole fetch (spec.md §4.1: "a safer default than writing
// with stale clock data"), surfaced as a DataFetchError-classified error.
func (v *View) FetchClockMap(ctx context.Context, usersBySecondary map[models.Endpoint][]string) (map[models.Endpoint]map[string]int64, error) {
	type result struct {
		secondary models.Endpoint
		clocks    map[string]int64
	}

	out := make(map[models.Endpoint]map[string]int64, len(usersBySecondary))
	results := make(chan result, len(usersBySecondary))

	g, gctx := errgroup.WithContext(ctx)
	for secondary, wallets := range usersBySecondary {
		secondary, wallets := secondary, wallets
		g.Go(func() error {
			clocks, err := v.client.BatchClockStatus(gctx, secondary, wallets)
			if err != nil {
				return fmt.Errorf("batch clock status from %s: %w", secondary, err)
			}
			results <- result{secondary: secondary, clocks: clocks}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	for r := range results {
		out[r.secondary] = r.clocks
	}
	return out, nil
}
