package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/pkg/models"
)

// Outcome is the completion monitor's verdict for one push (spec.md §4.3).
type Outcome int

const (
	// NoAdditionalSyncRequired means the target caught up (S >= P).
	NoAdditionalSyncRequired Outcome = iota
	// AdditionalSyncRequired means the gap exceeded the export window, the
	// deadline expired, or transport errors prevented a confident verdict;
	// the caller should enqueue a successor job.
	AdditionalSyncRequired
)

// MonitorTimeout means a sync did not catch up within the completion
// monitor's deadline (spec.md §7); a successor job is re-enqueued via
// AdditionalSyncRequired. It does not make run's push itself a failure, so
// it is logged at the monitor site rather than propagated as run's error.
type MonitorTimeout struct {
	Wallet string
	Target string
}

func (e *MonitorTimeout) Error() string {
	return fmt.Sprintf("sync monitor timed out for wallet %s target %s", e.Wallet, e.Target)
}

// Pusher issues the outbound sync push. Satisfied by *collab.Client.
type Pusher interface {
	Sync(ctx context.Context, target models.Endpoint, req collab.SyncRequest) error
}

// ClockPoller issues the outbound clock-status poll. Satisfied by
// *collab.Client.
type ClockPoller interface {
	ClockStatus(ctx context.Context, target models.Endpoint, wallet string) (int64, error)
}

// MonitorParams bounds the completion monitor's polling loop (spec.md §4.3
// constants: SyncMonitoringRetryDelayMs, MaxSyncMonitoringDurationInMs,
// maxExportClockValueRange).
type MonitorParams struct {
	RetryDelay          time.Duration
	MaxDuration         time.Duration
	MaxExportClockRange int64
}

// DefaultMonitorParams returns the production defaults named in spec.md §6.
func DefaultMonitorParams(maxExportClockRange int) MonitorParams {
	return MonitorParams{
		RetryDelay:          15 * time.Second,
		MaxDuration:         6 * time.Minute,
		MaxExportClockRange: int64(maxExportClockRange),
	}
}

// worker executes one pulled job: push, then monitor to completion or
// deadline, per spec.md §4.3 "Worker execution" and "Completion monitor".
type worker struct {
	pusher     Pusher
	poller     ClockPoller
	localStore collab.LocalStore
	params     MonitorParams
	logger     zerolog.Logger
}

// run performs the push and completion monitor for job, returning the
// monitor's outcome. It does not touch the de-duplicator; callers remove
// the fingerprint from the index before calling run (spec.md §4.3 step 1).
func (w *worker) run(ctx context.Context, job models.SyncJob) (Outcome, error) {
	pClock, err := w.localStore.ClockFor(ctx, job.UserWallet)
	if err != nil {
		return AdditionalSyncRequired, fmt.Errorf("read local clock for %s: %w", job.UserWallet, err)
	}

	req := collab.SyncRequest{
		Wallet:              []string{job.UserWallet},
		CreatorNodeEndpoint: string(job.SourceEndpoint),
		SyncType:            job.Kind.String(),
		Immediate:           job.Immediate,
	}
	if err := w.pusher.Sync(ctx, job.TargetEndpoint, req); err != nil {
		return AdditionalSyncRequired, fmt.Errorf("push sync to %s: %w", job.TargetEndpoint, err)
	}

	return w.monitor(ctx, job.TargetEndpoint, job.UserWallet, pClock), nil
}

// monitor polls target's clock_status for wallet every RetryDelay until
// caught up, the gap exceeds MaxExportClockRange, or MaxDuration elapses.
func (w *worker) monitor(ctx context.Context, target models.Endpoint, wallet string, pClock int64) Outcome {
	deadline := time.Now().Add(w.params.MaxDuration)

	for {
		sClock, err := w.poller.ClockStatus(ctx, target, wallet)
		if err != nil {
			w.logger.Warn().Err(err).Str("target", string(target)).Str("wallet", wallet).Msg("clock status poll failed, continuing")
		} else {
			if sClock+w.params.MaxExportClockRange < pClock {
				return AdditionalSyncRequired
			}
			if sClock >= pClock {
				return NoAdditionalSyncRequired
			}
		}

		if time.Now().After(deadline) {
			w.logMonitorTimeout(target, wallet)
			return AdditionalSyncRequired
		}

		select {
		case <-ctx.Done():
			w.logMonitorTimeout(target, wallet)
			return AdditionalSyncRequired
		case <-time.After(w.params.RetryDelay):
		}

		if time.Now().After(deadline) {
			w.logMonitorTimeout(target, wallet)
			return AdditionalSyncRequired
		}
	}
}

func (w *worker) logMonitorTimeout(target models.Endpoint, wallet string) {
	err := &MonitorTimeout{Wallet: wallet, Target: string(target)}
	w.logger.Warn().Err(err).Str("target", string(target)).Str("wallet", wallet).Msg("sync monitor deadline expired")
}
