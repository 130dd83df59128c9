// Package statemachine implements the State-Machine Loop (C4): a sharded
// periodic scan that plans convergence syncs and hands unhealthy users to
// the reconfiguration planner. Structured as a supervisor loop with an
// internal sleep between iterations, exposing Healthy() and GetStatus()
// for the health endpoint.
package statemachine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/config"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/internal/peerset"
	"github.com/audius/snapback-node/internal/snapshot"
	"github.com/audius/snapback-node/pkg/models"
)

// Enqueuer issues a sync job through the Sync Queues (C3). Satisfied by
// *syncqueue.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.SyncKind, userWallet string, source, target models.Endpoint, immediate bool) (dedup.Handle, error)
}

// Reconfigurer drives the Reconfiguration Planner (C5) for one user.
// Satisfied by *reconfig.Planner.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, req models.ReconfigRequest) error
}

// Loop implements C4.
type Loop struct {
	self       models.Endpoint
	peers      *peerset.View
	enqueue    Enqueuer
	reconfig   Reconfigurer
	localStore collab.LocalStore
	snap       *snapshot.Store
	jobDelay   func(devMode bool) time.Duration
	devMode    bool

	logger zerolog.Logger

	mu        sync.RWMutex
	slice     int
	isHealthy bool
	lastRunAt time.Time
}

// New builds a Loop. The initial slice is read from the snapshot store if
// present, otherwise drawn uniformly at random in [0, ModuloBase), per
// spec.md §3 "initial random slice". spID identifies this node's own
// service-provider record (spec.md §6 enumerated config) and is carried as
// a logger field so every iteration's audit line is attributable to it.
func New(
	self models.Endpoint,
	spID int,
	peers *peerset.View,
	enqueue Enqueuer,
	reconfig Reconfigurer,
	localStore collab.LocalStore,
	snap *snapshot.Store,
	devMode bool,
	logger zerolog.Logger,
) *Loop {
	slice, ok, err := snap.LoadSlice()
	if err != nil || !ok {
		slice = rand.Intn(config.ModuloBase)
	}

	return &Loop{
		self:       self,
		peers:      peers,
		enqueue:    enqueue,
		reconfig:   reconfig,
		localStore: localStore,
		snap:       snap,
		jobDelay:   config.JobDelay,
		devMode:    devMode,
		logger:     logger.With().Str("component", "statemachine").Int("sp_id", spID).Logger(),
		slice:      slice,
		isHealthy:  true,
	}
}

// Run executes iterations until ctx is canceled. Single-flight per spec.md
// §3: a new iteration starts only after the previous one fully completes.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().Int("initial_slice", l.currentSlice()).Msg("starting state-machine loop")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("state-machine loop stopped")
			return
		default:
		}

		l.runIteration(ctx)

		delay := l.jobDelay(l.devMode)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runIteration performs one pass. Any error during steps 1-6 is caught and
// logged; the slice still advances and the loop reschedules, per spec.md
// §4.4's closing paragraph.
func (l *Loop) runIteration(ctx context.Context) {
	start := time.Now()
	audit := newAudit(l.currentSlice())

	if err := l.plan(ctx, audit); err != nil {
		audit.fatal = err
		l.setHealthy(false)
	} else {
		l.setHealthy(true)
	}

	l.advance()
	audit.duration = time.Since(start)
	iterationDuration.Set(audit.duration.Seconds())
	audit.log(l.logger)

	l.mu.Lock()
	l.lastRunAt = start
	l.mu.Unlock()
}

// plan implements spec.md §4.4 steps 1-6.
func (l *Loop) plan(ctx context.Context, audit *auditRecord) error {
	users, err := l.peers.ListUsers(ctx)
	if err != nil {
		return &DataFetchError{Stage: "list_users", Err: err}
	}

	slice := l.currentSlice()
	shard := make([]models.UserRecord, 0, len(users))
	for _, u := range users {
		if int(u.UserID%int64(config.ModuloBase)) == slice {
			shard = append(shard, u)
		}
	}
	audit.usersScanned = len(shard)
	usersScanned.Set(float64(len(shard)))

	unhealthy := l.peers.UnhealthyPeers(ctx, shard)
	audit.unhealthyPeers = len(unhealthy)
	unhealthyPeersGauge.Set(float64(len(unhealthy)))
	for endpoint, perr := range unhealthy {
		audit.peerErrors = append(audit.peerErrors, &TransientPeerError{Endpoint: string(endpoint), Err: perr})
	}

	type potentialSync struct {
		user      models.UserRecord
		secondary models.Endpoint
	}
	var potentialSyncs []potentialSync
	var reconfigOps []models.ReconfigRequest

	for _, u := range shard {
		req := models.ReconfigRequest{
			UserID: u.UserID, Wallet: u.Wallet,
			Primary: u.Primary, Secondary1: u.Secondary1, Secondary2: u.Secondary2,
			Unhealthy: map[models.Endpoint]struct{}{},
		}

		if u.Primary == l.self {
			for _, s := range u.Secondaries() {
				if _, bad := unhealthy[s]; bad {
					req.Unhealthy[s] = struct{}{}
				} else {
					potentialSyncs = append(potentialSyncs, potentialSync{user: u, secondary: s})
				}
			}
		} else {
			for _, r := range u.Replicas() {
				if r == l.self {
					continue
				}
				if _, bad := unhealthy[r]; bad {
					req.Unhealthy[r] = struct{}{}
				}
			}
		}

		reconfigOps = append(reconfigOps, req)
	}

	usersBySecondary := make(map[models.Endpoint][]string)
	walletSet := make(map[string]struct{})
	for _, ps := range potentialSyncs {
		usersBySecondary[ps.secondary] = append(usersBySecondary[ps.secondary], ps.user.Wallet)
		walletSet[ps.user.Wallet] = struct{}{}
	}

	var clockMap map[models.Endpoint]map[string]int64
	if len(usersBySecondary) > 0 {
		clockMap, err = l.peers.FetchClockMap(ctx, usersBySecondary)
		if err != nil {
			return &DataFetchError{Stage: "fetch_clock_map", Err: err}
		}
	}

	wallets := make([]string, 0, len(walletSet))
	for w := range walletSet {
		wallets = append(wallets, w)
	}
	selfClocks, err := l.localStore.ClocksFor(ctx, wallets)
	if err != nil {
		return &DataFetchError{Stage: "local_clocks", Err: err}
	}

	for _, ps := range potentialSyncs {
		pClock := selfClocks[ps.user.Wallet]
		sClock, known := clockMap[ps.secondary][ps.user.Wallet]

		needsSync := !known || pClock > sClock
		if !needsSync {
			continue
		}

		if _, err := l.enqueue.Enqueue(ctx, models.Recurring, ps.user.Wallet, l.self, ps.secondary, false); err != nil {
			audit.enqueueErrors = append(audit.enqueueErrors, &EnqueueError{Wallet: ps.user.Wallet, Target: string(ps.secondary), Err: err})
			continue
		}
		audit.syncsEnqueued++
		convergenceSyncsEnqueued.Inc()
	}

	if len(audit.enqueueErrors) > audit.syncsEnqueued {
		return audit.enqueueErrors[0]
	}

	audit.reconfigOps = len(reconfigOps)
	reconfigOpsTotal.Add(float64(len(reconfigOps)))

	for _, req := range reconfigOps {
		if len(req.Unhealthy) == 0 {
			continue
		}
		if err := l.reconfig.Reconfigure(ctx, req); err != nil {
			audit.reconfigErrors = append(audit.reconfigErrors, &RegistryError{UserID: req.UserID, Err: err})
			l.logger.Error().Err(err).Int64("user_id", req.UserID).Msg("reconfiguration failed, will retry next pass")
		}
	}

	return nil
}

// advance implements spec.md §3's slice-advancement invariant and persists
// it for restart continuity.
func (l *Loop) advance() {
	l.mu.Lock()
	l.slice = (l.slice + 1) % config.ModuloBase
	next := l.slice
	l.mu.Unlock()

	iterationSlice.Set(float64(next))
	if err := l.snap.SaveSlice(next); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist shard slice")
	}
}

func (l *Loop) currentSlice() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slice
}

func (l *Loop) setHealthy(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isHealthy = ok
}

// Healthy reports whether the most recent iteration completed without a
// fatal failure (a DataFetchError, or enqueue failures outnumbering the
// convergence syncs issued).
func (l *Loop) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isHealthy
}

// GetStatus returns the current slice, the last iteration's start time,
// and the health flag, for the health endpoint and metrics.
func (l *Loop) GetStatus() (slice int, lastRunAt time.Time, healthy bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slice, l.lastRunAt, l.isHealthy
}

// auditRecord accumulates the per-iteration decision-tree trail emitted as
// one structured log line at iteration end (spec.md §7).
type auditRecord struct {
	slice          int
	usersScanned   int
	unhealthyPeers int
	syncsEnqueued  int
	reconfigOps    int
	peerErrors     []error
	enqueueErrors  []error
	reconfigErrors []error
	fatal          error
	duration       time.Duration
}

func newAudit(slice int) *auditRecord {
	return &auditRecord{slice: slice}
}

func (a *auditRecord) log(logger zerolog.Logger) {
	ev := logger.Info()
	if a.fatal != nil {
		ev = logger.Error().Err(a.fatal)
		iterationErrors.WithLabelValues("iteration").Inc()
	}
	for range a.peerErrors {
		iterationErrors.WithLabelValues("peer_probe").Inc()
	}
	for range a.enqueueErrors {
		iterationErrors.WithLabelValues("enqueue").Inc()
	}
	for range a.reconfigErrors {
		iterationErrors.WithLabelValues("reconfigure").Inc()
	}

	ev.Int("slice", a.slice).
		Int("users_scanned", a.usersScanned).
		Int("unhealthy_peers", a.unhealthyPeers).
		Int("syncs_enqueued", a.syncsEnqueued).
		Int("reconfig_ops", a.reconfigOps).
		Int("peer_errors", len(a.peerErrors)).
		Int("enqueue_errors", len(a.enqueueErrors)).
		Int("reconfig_errors", len(a.reconfigErrors)).
		Dur("duration", a.duration).
		Msg("state-machine iteration complete")
}
