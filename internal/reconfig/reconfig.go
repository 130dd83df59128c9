// Package reconfig implements the Reconfiguration Planner (C5): given an
// unhealthy replica set, it requests a fresh candidate set, classifies the
// surviving replicas, seeds convergence syncs, and persists the new
// assignment via the registry collaborator.
package reconfig

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/pkg/models"
)

// Enqueuer issues a sync job through the Sync Queues (C3). Satisfied by
// *syncqueue.Manager; kept as a narrow local interface so this package does
// not depend on syncqueue's NATS wiring.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.SyncKind, userWallet string, source, target models.Endpoint, immediate bool) (dedup.Handle, error)
}

// Planner implements C5.
type Planner struct {
	selection   collab.Selection
	registry    collab.Registry
	clockFetch  *clockFetcher
	enqueuer    Enqueuer
	endpointIDs map[string]int
	logger      zerolog.Logger
}

// New builds a Planner. endpointIDs is the read-only endpoint-to-service-
// provider-ID map populated once at process startup (spec.md §3).
func New(selection collab.Selection, registry collab.Registry, client ClockPoller, enqueuer Enqueuer, endpointIDs map[string]int, logger zerolog.Logger) *Planner {
	return &Planner{
		selection:   selection,
		registry:    registry,
		clockFetch:  &clockFetcher{poller: client},
		enqueuer:    enqueuer,
		endpointIDs: endpointIDs,
		logger:      logger.With().Str("component", "reconfig").Logger(),
	}
}

type seed struct {
	source models.Endpoint
	target models.Endpoint
}

// Reconfigure implements spec.md §4.5 for one user. Failures are wrapped
// and returned; the caller (the state-machine loop) logs and continues to
// the next user, per spec.md §7's per-user error propagation policy.
func (p *Planner) Reconfigure(ctx context.Context, req models.ReconfigRequest) error {
	current := req.Current()

	var blacklist []models.Endpoint
	for _, e := range current {
		if e != "" {
			blacklist = append(blacklist, e)
		}
	}

	candidate, err := p.selection.AutoSelect(ctx, blacklist)
	if err != nil {
		return fmt.Errorf("auto-select candidate replica set for user %d: %w", req.UserID, err)
	}

	var healthy []models.Endpoint
	for _, e := range current {
		if e != "" && !req.IsUnhealthy(e) {
			healthy = append(healthy, e)
		}
	}

	var newSet models.ReplicaSet
	var seeds []seed

	switch len(healthy) {
	case 0:
		newSet = models.ReplicaSet{Primary: candidate.Primary, Secondary1: candidate.Secondary1, Secondary2: candidate.Secondary2}
		seeds = seedsFrom(req.Primary, candidate.Primary, candidate.Secondary1, candidate.Secondary2)

	case 1:
		newSet = models.ReplicaSet{Primary: req.Primary, Secondary1: candidate.Primary, Secondary2: candidate.Secondary1}
		seeds = seedsFrom(req.Primary, candidate.Primary, candidate.Secondary1)

	case 2:
		survivor0, survivor1 := healthy[0], healthy[1]
		clocks, err := p.clockFetch.fetch(ctx, req.Wallet, []models.Endpoint{survivor0, survivor1})
		if err != nil {
			return fmt.Errorf("fetch survivor clocks for user %d: %w", req.UserID, err)
		}
		if clocks[survivor1] > clocks[survivor0] {
			survivor0, survivor1 = survivor1, survivor0
		}
		newSet = models.ReplicaSet{Primary: survivor0, Secondary1: survivor1, Secondary2: candidate.Primary}
		seeds = seedsFrom(survivor0, survivor1, candidate.Primary)

	default:
		return fmt.Errorf("user %d: impossible healthy replica count %d", req.UserID, len(healthy))
	}

	if err := p.issueSeedSyncs(ctx, req.Wallet, seeds); err != nil {
		return fmt.Errorf("issue seed syncs for user %d: %w", req.UserID, err)
	}

	return p.persist(ctx, req.UserID, newSet)
}

// issueSeedSyncs enqueues all seed syncs as Manual, immediate=true. It
// preserves spec.md §9's strict-inequality ambiguity verbatim: it only
// fails if the number of enqueue errors exceeds the number successfully
// issued (errors.length > issued), not ≥.
func (p *Planner) issueSeedSyncs(ctx context.Context, wallet string, seeds []seed) error {
	issued := 0
	var errs []error

	for _, s := range seeds {
		if _, err := p.enqueuer.Enqueue(ctx, models.Manual, wallet, s.source, s.target, true); err != nil {
			errs = append(errs, err)
			continue
		}
		issued++
	}

	if len(errs) > issued {
		return fmt.Errorf("%d errors issuing %d seed syncs: %v", len(errs), len(seeds), errs)
	}
	return nil
}

// persist translates the new replica set's endpoints to service-provider
// IDs and writes it via the registry collaborator. Registry failures are
// logged here and do not propagate, matching spec.md §4.5 step 4 and the
// §7 RegistryError policy ("logged per-user, iteration continues").
func (p *Planner) persist(ctx context.Context, userID int64, newSet models.ReplicaSet) error {
	primaryID, ok := p.endpointIDs[string(newSet.Primary)]
	if !ok {
		p.logger.Error().Int64("user_id", userID).Str("endpoint", string(newSet.Primary)).Msg("no service-provider id for new primary, skipping registry write")
		return nil
	}
	sec1ID, ok := p.endpointIDs[string(newSet.Secondary1)]
	if !ok {
		p.logger.Error().Int64("user_id", userID).Str("endpoint", string(newSet.Secondary1)).Msg("no service-provider id for new secondary1, skipping registry write")
		return nil
	}
	sec2ID, ok := p.endpointIDs[string(newSet.Secondary2)]
	if !ok {
		p.logger.Error().Int64("user_id", userID).Str("endpoint", string(newSet.Secondary2)).Msg("no service-provider id for new secondary2, skipping registry write")
		return nil
	}

	if err := p.registry.UpdateReplicaSet(ctx, userID, primaryID, sec1ID, sec2ID); err != nil {
		p.logger.Error().Err(err).Int64("user_id", userID).Msg("registry replica-set update failed")
		return nil
	}

	p.logger.Info().
		Int64("user_id", userID).
		Str("new_primary", string(newSet.Primary)).
		Str("new_secondary1", string(newSet.Secondary1)).
		Str("new_secondary2", string(newSet.Secondary2)).
		Msg("replica set reconfigured")
	return nil
}

func seedsFrom(source models.Endpoint, targets ...models.Endpoint) []seed {
	out := make([]seed, 0, len(targets))
	for _, t := range targets {
		out = append(out, seed{source: source, target: t})
	}
	return out
}
