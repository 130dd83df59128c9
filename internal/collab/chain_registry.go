package collab

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Broadcaster submits a replica-set update to be signed and sent to the
// chain. Transaction construction and signing are explicitly out of scope
// (spec.md §1 non-goals); ChainRegistry only validates and shapes the write
// before handing it to a Broadcaster supplied by the host process.
type Broadcaster interface {
	BroadcastReplicaSetUpdate(ctx context.Context, userID int64, primaryID, secondary1ID, secondary2ID int) error
}

// ChainRegistry is the production Registry implementation: it checks that
// the service-provider IDs of a replica-set write are non-negative before
// handing the write to an external Broadcaster (the on-chain client proper,
// out of scope here). Wallet addresses are checked separately, with
// ValidServiceProviderWallet, when the endpoint-to-ID map is built.
type ChainRegistry struct {
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// NewChainRegistry builds a ChainRegistry over broadcaster.
func NewChainRegistry(broadcaster Broadcaster, logger zerolog.Logger) *ChainRegistry {
	return &ChainRegistry{broadcaster: broadcaster, logger: logger.With().Str("component", "chain_registry").Logger()}
}

// UpdateReplicaSet implements Registry. It is the caller's responsibility to
// have already translated endpoints to service-provider IDs via the
// endpoint-to-ID map (spec.md §3); this method only sanity-checks that the
// IDs are non-negative before broadcasting, since the on-chain contract
// represents service-provider IDs as addresses only indirectly through its
// own registry lookup.
func (c *ChainRegistry) UpdateReplicaSet(ctx context.Context, userID int64, primaryID, secondary1ID, secondary2ID int) error {
	if primaryID < 0 || secondary1ID < 0 || secondary2ID < 0 {
		return fmt.Errorf("invalid service-provider id in replica set for user %d", userID)
	}

	if err := c.broadcaster.BroadcastReplicaSetUpdate(ctx, userID, primaryID, secondary1ID, secondary2ID); err != nil {
		return fmt.Errorf("broadcast replica set update for user %d: %w", userID, err)
	}

	c.logger.Info().
		Int64("user_id", userID).
		Int("primary_id", primaryID).
		Int("secondary1_id", secondary1ID).
		Int("secondary2_id", secondary2ID).
		Msg("replica set update broadcast")
	return nil
}

// ValidServiceProviderWallet reports whether wallet is a syntactically valid
// Ethereum address, used when populating the endpoint-to-ID map at startup.
func ValidServiceProviderWallet(wallet string) bool {
	return common.IsHexAddress(wallet)
}
