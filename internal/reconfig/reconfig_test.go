package reconfig

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/pkg/models"
)

type fakePoller struct {
	clocks map[models.Endpoint]int64
}

func (f *fakePoller) ClockStatus(_ context.Context, target models.Endpoint, _ string) (int64, error) {
	return f.clocks[target], nil
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	calls  []struct{ source, target models.Endpoint }
	failOn map[models.Endpoint]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ models.SyncKind, _ string, source, target models.Endpoint, _ bool) (dedup.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[target] {
		return dedup.Handle{}, errors.New("enqueue failed")
	}
	f.calls = append(f.calls, struct{ source, target models.Endpoint }{source, target})
	return dedup.Handle{}, nil
}

const (
	epPrimary    = models.Endpoint("http://primary")
	epSecondary1 = models.Endpoint("http://secondary1")
	epSecondary2 = models.Endpoint("http://secondary2")
	epCandP      = models.Endpoint("http://cand-primary")
	epCandS1     = models.Endpoint("http://cand-secondary1")
	epCandS2     = models.Endpoint("http://cand-secondary2")
)

func idMap() map[string]int {
	return map[string]int{
		string(epPrimary): 1, string(epSecondary1): 2, string(epSecondary2): 3,
		string(epCandP): 10, string(epCandS1): 11, string(epCandS2): 12,
	}
}

func TestReconfigure_ZeroHealthy_AdoptsFullCandidateSet(t *testing.T) {
	selection := &collab.MemorySelection{Result: models.ReplicaSet{Primary: epCandP, Secondary1: epCandS1, Secondary2: epCandS2}}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{}}
	p := New(selection, registry, &fakePoller{}, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{
		UserID: 1, Wallet: "0xabc",
		Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2,
		Unhealthy: map[models.Endpoint]struct{}{epPrimary: {}, epSecondary1: {}, epSecondary2: {}},
	}
	require.NoError(t, p.Reconfigure(context.Background(), req))

	require.Len(t, registry.Writes, 1)
	assert.Equal(t, collab.RegistryWrite{UserID: 1, PrimaryID: 10, Secondary1ID: 11, Secondary2ID: 12}, registry.Writes[0])
	assert.Len(t, enq.calls, 3)
	for _, c := range enq.calls {
		assert.Equal(t, epPrimary, c.source)
	}
}

func TestReconfigure_OneHealthy_KeepsOldPrimary(t *testing.T) {
	selection := &collab.MemorySelection{Result: models.ReplicaSet{Primary: epCandP, Secondary1: epCandS1}}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{}}
	p := New(selection, registry, &fakePoller{}, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{
		UserID: 2, Wallet: "0xdef",
		Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2,
		Unhealthy: map[models.Endpoint]struct{}{epSecondary1: {}, epSecondary2: {}},
	}
	require.NoError(t, p.Reconfigure(context.Background(), req))

	require.Len(t, registry.Writes, 1)
	assert.Equal(t, collab.RegistryWrite{UserID: 2, PrimaryID: 1, Secondary1ID: 10, Secondary2ID: 11}, registry.Writes[0])
	assert.Len(t, enq.calls, 2)
}

func TestReconfigure_TwoHealthy_HigherClockSurvivorBecomesPrimary(t *testing.T) {
	selection := &collab.MemorySelection{Result: models.ReplicaSet{Primary: epCandP}}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{}}
	poller := &fakePoller{clocks: map[models.Endpoint]int64{epPrimary: 5, epSecondary1: 9}}
	p := New(selection, registry, poller, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{
		UserID: 3, Wallet: "0x123",
		Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2,
		Unhealthy: map[models.Endpoint]struct{}{epSecondary2: {}},
	}
	require.NoError(t, p.Reconfigure(context.Background(), req))

	require.Len(t, registry.Writes, 1)
	w := registry.Writes[0]
	assert.Equal(t, 2, w.PrimaryID, "secondary1 had the higher clock and should become the new primary")
	assert.Equal(t, 1, w.Secondary1ID, "the old primary survives as the other secondary slot")
	assert.Equal(t, 10, w.Secondary2ID)
}

func TestReconfigure_TwoHealthy_TieGoesToFirstEnumerated(t *testing.T) {
	selection := &collab.MemorySelection{Result: models.ReplicaSet{Primary: epCandP}}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{}}
	poller := &fakePoller{clocks: map[models.Endpoint]int64{epPrimary: 7, epSecondary1: 7}}
	p := New(selection, registry, poller, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{
		UserID: 4, Wallet: "0x456",
		Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2,
		Unhealthy: map[models.Endpoint]struct{}{epSecondary2: {}},
	}
	require.NoError(t, p.Reconfigure(context.Background(), req))
	assert.Equal(t, 1, registry.Writes[0].PrimaryID, "on a clock tie the first-enumerated survivor (old primary) keeps primary")
}

func TestReconfigure_SeedSyncMajorityFailure_SkipsRegistryWrite(t *testing.T) {
	selection := &collab.MemorySelection{Result: models.ReplicaSet{Primary: epCandP, Secondary1: epCandS1, Secondary2: epCandS2}}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{epCandP: true, epCandS1: true}}
	p := New(selection, registry, &fakePoller{}, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{
		UserID: 5, Wallet: "0x789",
		Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2,
		Unhealthy: map[models.Endpoint]struct{}{epPrimary: {}, epSecondary1: {}, epSecondary2: {}},
	}
	err := p.Reconfigure(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, registry.Writes, "registry must not be written when seed syncs fail past the threshold")
}

func TestReconfigure_SelectionFailure_ReturnsError(t *testing.T) {
	selection := &collab.MemorySelection{Err: errors.New("no eligible candidate")}
	registry := &collab.MemoryRegistry{}
	enq := &fakeEnqueuer{failOn: map[models.Endpoint]bool{}}
	p := New(selection, registry, &fakePoller{}, enq, idMap(), zerolog.Nop())

	req := models.ReconfigRequest{UserID: 6, Wallet: "0xaaa", Primary: epPrimary, Secondary1: epSecondary1, Secondary2: epSecondary2}
	err := p.Reconfigure(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, registry.Writes)
}
