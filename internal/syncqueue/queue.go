// Package syncqueue implements the Sync Queues (C3): two independent
// bounded worker pools, Manual and Recurring, that dispatch sync requests
// and monitor completion. Queue state is externally managed over NATS
// JetStream (spec.md §5 "Redis-backed in the reference, but any reliable
// queue with at-least-once semantics and atomic active-transition
// suffices") implemented here with a durable JetStream consumer per
// queue kind.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/pkg/models"
)

const streamName = "SNAPBACK"

// Config configures a pair of Manual/Recurring queues.
type Config struct {
	NatsURL              string
	ManualConcurrency    int
	RecurringConcurrency int
	MaxExportClockRange  int
}

// Queue is one bounded worker pool (Manual or Recurring) backed by a NATS
// JetStream stream and a durable consumer.
type Queue struct {
	kind    models.SyncKind
	subject string

	js       jetstream.JetStream
	consumer jetstream.Consumer
	consCtx  jetstream.ConsumeContext

	dedup      *dedup.Index
	worker     *worker
	sem        chan struct{}
	nextHandle uint64

	logger zerolog.Logger
}

func subjectFor(kind models.SyncKind) string {
	return fmt.Sprintf("%s.%s", streamName, kind.String())
}

func consumerNameFor(kind models.SyncKind) string {
	if kind == models.Manual {
		return "manual-workers"
	}
	return "recurring-workers"
}

// newQueue builds one Queue, creating/updating its durable JetStream
// consumer on the shared stream.
func newQueue(
	ctx context.Context,
	js jetstream.JetStream,
	kind models.SyncKind,
	concurrency int,
	idx *dedup.Index,
	pusher Pusher,
	poller ClockPoller,
	localStore collab.LocalStore,
	params MonitorParams,
	logger zerolog.Logger,
) (*Queue, error) {
	subject := subjectFor(kind)

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       consumerNameFor(kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       params.MaxDuration + 30*time.Second,
		FilterSubject: subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	return &Queue{
		kind:    kind,
		subject: subject,
		js:      js,
		consumer: consumer,
		dedup:   idx,
		worker: &worker{
			pusher:     pusher,
			poller:     poller,
			localStore: localStore,
			params:     params,
			logger:     logger,
		},
		sem:    make(chan struct{}, concurrency),
		logger: logger.With().Str("queue", kind.String()).Logger(),
	}, nil
}

// Enqueue implements spec.md §4.3 "Enqueue": look up an existing pending
// handle first; otherwise construct and record the job, then publish it,
// removing the record again if the publish fails. If the record race is
// lost, the caller returns the winning handle and nothing is published.
func (q *Queue) Enqueue(ctx context.Context, job models.SyncJob) (dedup.Handle, error) {
	fp := job.Fingerprint()

	if h, ok := q.dedup.Lookup(fp); ok {
		return h, nil
	}

	handle := dedup.Handle{ID: atomic.AddUint64(&q.nextHandle, 1), Job: job}
	winner, inserted := q.dedup.TryRecord(fp, handle)
	if !inserted {
		return winner, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		q.dedup.Remove(fp)
		return dedup.Handle{}, fmt.Errorf("marshal job: %w", err)
	}

	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		q.dedup.Remove(fp)
		return dedup.Handle{}, fmt.Errorf("enqueue to %s: %w", q.subject, err)
	}

	jobsEnqueued.WithLabelValues(q.kind.String()).Inc()
	queueDepth.WithLabelValues(q.kind.String()).Set(float64(q.dedup.Len()))
	return handle, nil
}

// Start begins consuming messages. Each message is handled in its own
// goroutine, bounded to Config's concurrency by q.sem.
func (q *Queue) Start(ctx context.Context, reenqueue func(context.Context, models.SyncJob) (dedup.Handle, error)) error {
	consCtx, err := q.consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, reenqueue)
	})
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", q.subject, err)
	}
	q.consCtx = consCtx
	return nil
}

// Stop stops consuming. It does not wait for handlers already running.
func (q *Queue) Stop() {
	if q.consCtx != nil {
		q.consCtx.Stop()
	}
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, reenqueue func(context.Context, models.SyncJob) (dedup.Handle, error)) {
	q.sem <- struct{}{}
	defer func() { <-q.sem }()

	var job models.SyncJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error().Err(err).Msg("failed to decode job, dropping")
		msg.Ack()
		return
	}

	// Step 1: transition pending -> active so a concurrent enqueue for the
	// same fingerprint can succeed immediately.
	q.dedup.Remove(job.Fingerprint())
	queueDepth.WithLabelValues(q.kind.String()).Set(float64(q.dedup.Len()))

	jobsDispatched.WithLabelValues(q.kind.String()).Inc()

	outcome, err := q.worker.run(ctx, job)
	if err != nil {
		jobsFailed.WithLabelValues(q.kind.String()).Inc()
		q.logger.Error().Err(err).Str("wallet", job.UserWallet).Str("target", string(job.TargetEndpoint)).Msg("sync job failed")
		if nakErr := msg.Nak(); nakErr != nil {
			q.logger.Error().Err(nakErr).Msg("failed to nak message")
		}
		return
	}

	monitorOutcomes.WithLabelValues(q.kind.String(), outcomeLabel(outcome)).Inc()
	if err := msg.Ack(); err != nil {
		q.logger.Error().Err(err).Msg("failed to ack message")
	}

	if outcome == AdditionalSyncRequired {
		successor := job
		successor.Immediate = false
		successor.EnqueuedAt = time.Now()
		if _, err := reenqueue(ctx, successor); err != nil {
			q.logger.Error().Err(err).Str("wallet", job.UserWallet).Msg("failed to re-enqueue successor job")
		}
	}
}

// connect opens the shared NATS connection and JetStream context and
// ensures the shared stream exists.
func connect(ctx context.Context, natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL, nats.Name("snapback-node"), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamName + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create stream: %w", err)
	}

	return nc, js, nil
}
