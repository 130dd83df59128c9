package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/dedup"
	"github.com/audius/snapback-node/internal/peerset"
	"github.com/audius/snapback-node/internal/snapshot"
	"github.com/audius/snapback-node/pkg/models"
)

// fakeNode serves /health_check and /users/batch_clock_status so peerset's
// real HTTP client can be exercised end to end against a deterministic peer.
func fakeNode(t *testing.T, healthy bool, clocksByWallet map[string]int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health_check", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/users/batch_clock_status", func(w http.ResponseWriter, r *http.Request) {
		var req collab.BatchClockStatusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := struct {
			Data struct {
				Users []struct {
					WalletPublicKey string `json:"walletPublicKey"`
					Clock           int64  `json:"clock"`
				} `json:"users"`
			} `json:"data"`
		}{}
		for _, w2 := range req.WalletPublicKeys {
			resp.Data.Users = append(resp.Data.Users, struct {
				WalletPublicKey string `json:"walletPublicKey"`
				Clock           int64  `json:"clock"`
			}{WalletPublicKey: w2, Clock: clocksByWallet[w2]})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// deadEndpoint is never served; every probe against it fails transport-level.
const deadEndpoint = models.Endpoint("http://127.0.0.1:1")

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []models.SyncJob
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, kind models.SyncKind, wallet string, source, target models.Endpoint, immediate bool) (dedup.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, models.SyncJob{Kind: kind, UserWallet: wallet, SourceEndpoint: source, TargetEndpoint: target, Immediate: immediate})
	return dedup.Handle{}, nil
}

type fakeReconfigurer struct {
	mu    sync.Mutex
	calls []models.ReconfigRequest
}

func (f *fakeReconfigurer) Reconfigure(_ context.Context, req models.ReconfigRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return nil
}

func newTestStore(t *testing.T) *snapshot.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.db")
	s, err := snapshot.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLoopForTest(t *testing.T, self models.Endpoint, users []models.UserRecord, selfClocks map[string]int64) (*Loop, *fakeEnqueuer, *fakeReconfigurer) {
	t.Helper()
	disc := collab.NewStaticDiscovery(users)
	client := collab.NewClient(2 * time.Second)
	view := peerset.New(self, disc, client, zerolog.Nop())

	enq := &fakeEnqueuer{}
	rec := &fakeReconfigurer{}
	store := collab.NewMemoryLocalStore(selfClocks)

	l := New(self, 1, view, enq, rec, store, newTestStore(t), true, zerolog.Nop())
	return l, enq, rec
}

func TestIteration_Scenario1_AllHealthyNoAction(t *testing.T) {
	self := models.Endpoint("http://self")
	secondary := fakeNode(t, true, map[string]int64{"w0": 10, "w24": 10, "w48": 10})
	sec := models.Endpoint(secondary.URL)

	users := []models.UserRecord{
		{UserID: 0, Wallet: "w0", Primary: self, Secondary1: sec},
		{UserID: 24, Wallet: "w24", Primary: self, Secondary1: sec},
		{UserID: 48, Wallet: "w48", Primary: self, Secondary1: sec},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w0": 10, "w24": 10, "w48": 10})
	l.mu.Lock()
	l.slice = 0
	l.mu.Unlock()
	require.Equal(t, 0, l.currentSlice())

	l.runIteration(context.Background())

	require.Empty(t, enq.calls, "equal clocks must not enqueue a convergence sync")
	require.Empty(t, rec.calls, "no unhealthy replica means no reconfiguration")
	require.Equal(t, 1, l.currentSlice(), "slice must advance by exactly one")
	require.True(t, l.Healthy())
}

func TestIteration_Scenario2_OnlyStaleSecondaryGetsSync(t *testing.T) {
	self := models.Endpoint("http://self")
	s1 := fakeNode(t, true, map[string]int64{"w1": 5})
	s2 := fakeNode(t, true, map[string]int64{"w1": 10})

	users := []models.UserRecord{
		{UserID: 1, Wallet: "w1", Primary: self, Secondary1: models.Endpoint(s1.URL), Secondary2: models.Endpoint(s2.URL)},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w1": 10})
	l.mu.Lock()
	l.slice = 1
	l.mu.Unlock()

	l.runIteration(context.Background())

	require.Empty(t, rec.calls)
	require.Len(t, enq.calls, 1)
	got := enq.calls[0]
	require.Equal(t, models.Recurring, got.Kind)
	require.Equal(t, models.Endpoint(s1.URL), got.TargetEndpoint)
	require.False(t, got.Immediate)
}

func TestIteration_Scenario3_UnhealthySecondaryTriggersReconfig(t *testing.T) {
	self := models.Endpoint("http://self")
	s2 := fakeNode(t, true, map[string]int64{"w2": 5})

	users := []models.UserRecord{
		{UserID: 2, Wallet: "w2", Primary: self, Secondary1: deadEndpoint, Secondary2: models.Endpoint(s2.URL)},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w2": 10})
	l.mu.Lock()
	l.slice = 2
	l.mu.Unlock()

	l.runIteration(context.Background())

	require.Len(t, rec.calls, 1)
	req := rec.calls[0]
	require.Equal(t, int64(2), req.UserID)
	require.True(t, req.IsUnhealthy(deadEndpoint))
	require.False(t, req.IsUnhealthy(models.Endpoint(s2.URL)))

	require.Len(t, enq.calls, 1, "the healthy secondary still gets a convergence sync")
	require.Equal(t, models.Endpoint(s2.URL), enq.calls[0].TargetEndpoint)
}

func TestIteration_Scenario4_BothSecondariesUnhealthy(t *testing.T) {
	self := models.Endpoint("http://self")
	users := []models.UserRecord{
		{UserID: 3, Wallet: "w3", Primary: self, Secondary1: deadEndpoint, Secondary2: models.Endpoint("http://127.0.0.1:2")},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w3": 10})
	l.mu.Lock()
	l.slice = 3
	l.mu.Unlock()

	l.runIteration(context.Background())

	require.Empty(t, enq.calls)
	require.Len(t, rec.calls, 1)
	req := rec.calls[0]
	require.Len(t, req.Unhealthy, 2)
}

func TestIteration_Scenario5_SelfIsSecondaryPrimaryUnhealthy(t *testing.T) {
	self := models.Endpoint("http://self-secondary")
	otherSecondary := fakeNode(t, true, map[string]int64{"w5": 10})

	users := []models.UserRecord{
		{UserID: 4, Wallet: "w5", Primary: deadEndpoint, Secondary1: self, Secondary2: models.Endpoint(otherSecondary.URL)},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w5": 10})
	l.mu.Lock()
	l.slice = 4
	l.mu.Unlock()

	l.runIteration(context.Background())

	require.Empty(t, enq.calls, "only the primary issues convergence syncs")
	require.Len(t, rec.calls, 1)
	req := rec.calls[0]
	require.True(t, req.IsUnhealthy(deadEndpoint))
	require.False(t, req.IsUnhealthy(models.Endpoint(otherSecondary.URL)))
}

func TestIteration_MissingSecondaryIsNotTreatedAsUnhealthy(t *testing.T) {
	self := models.Endpoint("http://self")
	users := []models.UserRecord{
		{UserID: 5, Wallet: "w6", Primary: self},
	}
	l, enq, rec := newLoopForTest(t, self, users, map[string]int64{"w6": 10})
	l.mu.Lock()
	l.slice = 5
	l.mu.Unlock()

	l.runIteration(context.Background())

	require.Empty(t, enq.calls)
	require.Empty(t, rec.calls, "an absent secondary slot is not a peer, so it cannot be unhealthy and triggers no reconfiguration")
	require.True(t, l.Healthy())
}

func TestIteration_DataFetchErrorAbortsButSliceStillAdvances(t *testing.T) {
	self := models.Endpoint("http://self")
	l, _, _ := newLoopForTest(t, self, nil, nil)
	l.peers = peerset.New(self, failingDiscovery{}, collab.NewClient(time.Second), zerolog.Nop())

	before := l.currentSlice()
	l.runIteration(context.Background())

	require.Equal(t, (before+1)%24, l.currentSlice())
	require.False(t, l.Healthy())
}

type failingDiscovery struct{}

func (failingDiscovery) ListUsersFor(context.Context, models.Endpoint) ([]models.UserRecord, error) {
	return nil, fmt.Errorf("discovery unavailable")
}
