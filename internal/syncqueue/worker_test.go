package syncqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/pkg/models"
)

type fakePusher struct {
	err error
}

func (f *fakePusher) Sync(context.Context, models.Endpoint, collab.SyncRequest) error {
	return f.err
}

type sequencePoller struct {
	samples []int64
	errs    []error
	i       int
}

func (p *sequencePoller) ClockStatus(context.Context, models.Endpoint, string) (int64, error) {
	idx := p.i
	if idx >= len(p.samples) {
		idx = len(p.samples) - 1
	}
	p.i++
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}
	return p.samples[idx], err
}

func testParams() MonitorParams {
	return MonitorParams{RetryDelay: time.Millisecond, MaxDuration: 50 * time.Millisecond, MaxExportClockRange: 5}
}

func TestMonitor_ExactEqualSampleIsCaughtUp(t *testing.T) {
	w := &worker{logger: zerolog.Nop(), params: testParams(), poller: &sequencePoller{samples: []int64{10}}}
	outcome := w.monitor(context.Background(), "http://secondary", "wallet", 10)
	require.Equal(t, NoAdditionalSyncRequired, outcome)
}

func TestMonitor_GapExceedingExportRangeStopsEarly(t *testing.T) {
	w := &worker{logger: zerolog.Nop(), params: testParams(), poller: &sequencePoller{samples: []int64{1}}}
	outcome := w.monitor(context.Background(), "http://secondary", "wallet", 100)
	require.Equal(t, AdditionalSyncRequired, outcome)
}

func TestMonitor_TransportErrorsAreSkippedUntilDeadline(t *testing.T) {
	poller := &sequencePoller{
		samples: []int64{0, 0, 12},
		errs:    []error{errors.New("timeout"), errors.New("timeout"), nil},
	}
	w := &worker{logger: zerolog.Nop(), params: testParams(), poller: poller}
	outcome := w.monitor(context.Background(), "http://secondary", "wallet", 10)
	require.Equal(t, NoAdditionalSyncRequired, outcome)
}

func TestMonitor_DeadlineExpiresWithoutCatchUp(t *testing.T) {
	// sample (8) sits inside the export window (8+5=13 >= 10) but never
	// catches up (8 < 10), so only the deadline ends the loop.
	params := MonitorParams{RetryDelay: 2 * time.Millisecond, MaxDuration: 5 * time.Millisecond, MaxExportClockRange: 5}
	w := &worker{logger: zerolog.Nop(), params: params, poller: &sequencePoller{samples: []int64{8}}}
	outcome := w.monitor(context.Background(), "http://secondary", "wallet", 10)
	require.Equal(t, AdditionalSyncRequired, outcome)
}

func TestWorkerRun_PushFailureReturnsAdditionalSyncRequired(t *testing.T) {
	w := &worker{
		logger:     zerolog.Nop(),
		params:     testParams(),
		pusher:     &fakePusher{err: errors.New("connection refused")},
		poller:     &sequencePoller{samples: []int64{0}},
		localStore: collab.NewMemoryLocalStore(map[string]int64{"wallet": 10}),
	}
	outcome, err := w.run(context.Background(), models.SyncJob{UserWallet: "wallet", TargetEndpoint: "http://secondary"})
	require.Error(t, err)
	require.Equal(t, AdditionalSyncRequired, outcome)
}

func TestWorkerRun_SuccessfulPushAndCatchUp(t *testing.T) {
	w := &worker{
		logger:     zerolog.Nop(),
		params:     testParams(),
		pusher:     &fakePusher{},
		poller:     &sequencePoller{samples: []int64{10}},
		localStore: collab.NewMemoryLocalStore(map[string]int64{"wallet": 10}),
	}
	outcome, err := w.run(context.Background(), models.SyncJob{UserWallet: "wallet", TargetEndpoint: "http://secondary"})
	require.NoError(t, err)
	require.Equal(t, NoAdditionalSyncRequired, outcome)
}
