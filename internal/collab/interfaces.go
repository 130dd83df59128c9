// Package collab defines the abstract collaborators named by interface in
// spec.md §6 (Discovery, Selection, Registry, LocalStore) plus the concrete
// implementations of the in-scope outbound HTTP calls (sync push, clock
// poll, batch clock status, health probe). The discovery source, the
// on-chain write path, and the blob/clock-record databases proper stay
// external per spec.md §1 — only their call shape is implemented here.
package collab

import (
	"context"

	"github.com/audius/snapback-node/pkg/models"
)

// Discovery lists the users assigned to a given endpoint's replica set.
// Backed externally by a peer-set discovery service; out of scope per
// spec.md §1 ("membership discovery assumed pre-resolved").
type Discovery interface {
	ListUsersFor(ctx context.Context, endpoint models.Endpoint) ([]models.UserRecord, error)
}

// Selection proposes a fresh candidate replica set, excluding blacklisted
// endpoints. Tie-break and geographic logic live entirely in the
// collaborator; the reconfiguration planner only consumes the result.
type Selection interface {
	AutoSelect(ctx context.Context, blacklist []models.Endpoint) (models.ReplicaSet, error)
}

// Registry is the external durable store (on-chain contract in production)
// recording replica-set assignments authoritatively.
type Registry interface {
	UpdateReplicaSet(ctx context.Context, userID int64, primaryID, secondary1ID, secondary2ID int) error
}

// LocalStore reads this node's own authoritative write-clock per wallet.
type LocalStore interface {
	ClockFor(ctx context.Context, wallet string) (int64, error)
	ClocksFor(ctx context.Context, wallets []string) (map[string]int64, error)
}

// SyncRequest is the concrete shape of the outbound POST {target}/sync
// request body (spec.md §9 design note: a concrete struct, not a map).
type SyncRequest struct {
	Wallet              []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	SyncType            string   `json:"sync_type"`
	Immediate           bool     `json:"immediate"`
}

// BatchClockStatusRequest is the body of POST {target}/users/batch_clock_status.
type BatchClockStatusRequest struct {
	WalletPublicKeys []string `json:"walletPublicKeys"`
}

type batchClockStatusUser struct {
	WalletPublicKey string `json:"walletPublicKey"`
	Clock           int64  `json:"clock"`
}

type batchClockStatusData struct {
	Users []batchClockStatusUser `json:"users"`
}

// BatchClockStatusResponse is the response of POST {target}/users/batch_clock_status.
type BatchClockStatusResponse struct {
	Data batchClockStatusData `json:"data"`
}

type clockStatusData struct {
	ClockValue int64 `json:"clockValue"`
}

// ClockStatusResponse is the response of GET {target}/users/clock_status/{wallet}.
type ClockStatusResponse struct {
	Data clockStatusData `json:"data"`
}
