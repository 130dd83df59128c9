package statemachine

import "fmt"

// The error taxonomy named in spec.md §7. Each type wraps the underlying
// cause via Unwrap so callers can still errors.As/errors.Is through it;
// the wrapper's job is only to carry the stage label for the end-of-
// iteration audit log.

// TransientPeerError marks a single peer as unhealthy for this iteration
// only (HTTP timeout, 5xx, connection refused). It never aborts the
// iteration; plan() wraps one per failed probe into the audit record's
// peerErrors for the end-of-iteration log line.
type TransientPeerError struct {
	Endpoint string
	Err      error
}

func (e *TransientPeerError) Error() string {
	return fmt.Sprintf("transient error probing %s: %v", e.Endpoint, e.Err)
}

func (e *TransientPeerError) Unwrap() error { return e.Err }

// DataFetchError covers failures that make the planning data unsound:
// listing users, or batch-fetching clocks. The iteration aborts but the
// slice still advances.
type DataFetchError struct {
	Stage string
	Err   error
}

func (e *DataFetchError) Error() string {
	return fmt.Sprintf("data fetch failed at stage %s: %v", e.Stage, e.Err)
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// EnqueueError means the sync queue broker is unreachable. Each one is
// recorded in the iteration's audit; when they outnumber the convergence
// syncs issued (strict greater-than), plan returns the first one, the
// iteration aborts before reconfiguration and is logged, and the slice
// still advances.
type EnqueueError struct {
	Wallet string
	Target string
	Err    error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue failed for wallet %s target %s: %v", e.Wallet, e.Target, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// RegistryError wraps the error the reconfiguration planner returned for one
// user (candidate selection, survivor clock fetch, or seed-sync issuance).
// A failed registry write itself is logged by the planner and does not
// reach this type. Logged and the iteration continues to the next user.
type RegistryError struct {
	UserID int64
	Err    error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry write failed for user %d: %v", e.UserID, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }
