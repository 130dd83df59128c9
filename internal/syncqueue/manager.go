package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/pkg/models"
)

// Manager dispatches sync jobs to the Manual or Recurring queue by kind,
// sharing one de-duplication index across both, via a SyncKind-keyed
// dispatch table.
type Manager struct {
	queues map[models.SyncKind]*Queue
	idx    *dedup.Index
	nc     *nats.Conn
	logger zerolog.Logger
}

// New connects to NATS, ensures the shared stream exists, and builds both
// the Manual and Recurring queues over it.
func New(ctx context.Context, cfg Config, pusher Pusher, poller ClockPoller, localStore collab.LocalStore, logger zerolog.Logger) (*Manager, error) {
	nc, js, err := connect(ctx, cfg.NatsURL)
	if err != nil {
		return nil, err
	}

	idx := dedup.New()
	params := DefaultMonitorParams(cfg.MaxExportClockRange)

	manual, err := newQueue(ctx, js, models.Manual, cfg.ManualConcurrency, idx, pusher, poller, localStore, params, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	recurring, err := newQueue(ctx, js, models.Recurring, cfg.RecurringConcurrency, idx, pusher, poller, localStore, params, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Manager{
		queues: map[models.SyncKind]*Queue{models.Manual: manual, models.Recurring: recurring},
		idx:    idx,
		nc:     nc,
		logger: logger.With().Str("component", "syncqueue").Logger(),
	}, nil
}

// Enqueue implements spec.md §4.3 "Enqueue(kind, user_wallet, source,
// target, immediate)" by routing to the kind-appropriate queue.
func (m *Manager) Enqueue(ctx context.Context, kind models.SyncKind, userWallet string, source, target models.Endpoint, immediate bool) (dedup.Handle, error) {
	job := models.SyncJob{
		Kind:           kind,
		UserWallet:     userWallet,
		TargetEndpoint: target,
		SourceEndpoint: source,
		Immediate:      immediate,
		EnqueuedAt:     time.Now(),
	}

	q, ok := m.queues[kind]
	if !ok {
		return dedup.Handle{}, fmt.Errorf("no queue registered for sync kind %s", kind)
	}
	return q.Enqueue(ctx, job)
}

// Start begins consuming on both queues.
func (m *Manager) Start(ctx context.Context) error {
	reenqueue := func(ctx context.Context, job models.SyncJob) (dedup.Handle, error) {
		return m.Enqueue(ctx, job.Kind, job.UserWallet, job.SourceEndpoint, job.TargetEndpoint, job.Immediate)
	}

	for kind, q := range m.queues {
		if err := q.Start(ctx, reenqueue); err != nil {
			return fmt.Errorf("start %s queue: %w", kind, err)
		}
	}
	return nil
}

// Stop stops both queues' consumers and closes the NATS connection.
func (m *Manager) Stop() {
	for _, q := range m.queues {
		q.Stop()
	}
	if m.nc != nil {
		m.nc.Close()
	}
}

// PendingCount returns the number of currently pending (de-duplicated) jobs
// across both queues, for health/metrics reporting.
func (m *Manager) PendingCount() int {
	return m.idx.Len()
}
