package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/audius/snapback-node/pkg/models"
)

// HTTPDiscovery and HTTPSelection are the process's concrete bindings to the
// two collaborators spec.md treats as external-only ("membership discovery
// assumed pre-resolved"; selection's geographic/tie-break logic "delegated
// to the collaborator"). Nothing in spec.md or original_source/ defines
// their wire format, so these hit a configured base URL with the same
// plain net/http + encoding/json style used for the four in-scope calls in
// http_client.go, rather than inventing a chain/DB binding this repo has no
// way to ground.

// HTTPDiscovery implements Discovery against an external membership
// discovery service.
type HTTPDiscovery struct {
	hc      *http.Client
	baseURL string
}

// NewHTTPDiscovery builds an HTTPDiscovery against baseURL.
func NewHTTPDiscovery(baseURL string, timeout time.Duration) *HTTPDiscovery {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &HTTPDiscovery{hc: &http.Client{Timeout: timeout}, baseURL: strings.TrimRight(baseURL, "/")}
}

type listUsersResponse struct {
	Users []models.UserRecord `json:"users"`
}

// ListUsersFor implements Discovery.
func (d *HTTPDiscovery) ListUsersFor(ctx context.Context, endpoint models.Endpoint) ([]models.UserRecord, error) {
	url := fmt.Sprintf("%s/users_for?endpoint=%s", d.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	var out listUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode users response: %w", err)
	}
	return out.Users, nil
}

// HTTPSelection implements Selection against an external candidate-selection
// service (geographic balancing, capacity scoring, and tie-break logic all
// live there per spec.md §4.5).
type HTTPSelection struct {
	hc      *http.Client
	baseURL string
}

// NewHTTPSelection builds an HTTPSelection against baseURL.
func NewHTTPSelection(baseURL string, timeout time.Duration) *HTTPSelection {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &HTTPSelection{hc: &http.Client{Timeout: timeout}, baseURL: strings.TrimRight(baseURL, "/")}
}

type autoSelectRequest struct {
	Blacklist []models.Endpoint `json:"blacklist"`
}

// AutoSelect implements Selection.
func (s *HTTPSelection) AutoSelect(ctx context.Context, blacklist []models.Endpoint) (models.ReplicaSet, error) {
	url := fmt.Sprintf("%s/auto_select", s.baseURL)

	buf, err := json.Marshal(autoSelectRequest{Blacklist: blacklist})
	if err != nil {
		return models.ReplicaSet{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(buf)))
	if err != nil {
		return models.ReplicaSet{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return models.ReplicaSet{}, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.ReplicaSet{}, fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}

	var out models.ReplicaSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ReplicaSet{}, fmt.Errorf("decode replica set response: %w", err)
	}
	return out, nil
}

// HTTPServiceProviderLister reads the full endpoint-to-service-provider
// roster from the registry once at process startup (spec.md §3). It is a
// read path the Registry interface itself does not need at steady state
// (UpdateReplicaSet only writes), so it is kept as its own small type
// rather than widening Registry for a call site used exactly once.
type HTTPServiceProviderLister struct {
	hc      *http.Client
	baseURL string
}

// NewHTTPServiceProviderLister builds a lister against baseURL.
func NewHTTPServiceProviderLister(baseURL string, timeout time.Duration) *HTTPServiceProviderLister {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &HTTPServiceProviderLister{hc: &http.Client{Timeout: timeout}, baseURL: strings.TrimRight(baseURL, "/")}
}

// ServiceProviderEntry is one registry roster entry: the service-provider ID
// and the wallet that was registered to back it on chain.
type ServiceProviderEntry struct {
	ID     int    `json:"id"`
	Wallet string `json:"wallet"`
}

// ServiceProviderRoster returns the full endpoint -> service-provider roster,
// wallet included so the caller can validate each entry with
// ValidServiceProviderWallet before trusting its ID.
func (l *HTTPServiceProviderLister) ServiceProviderRoster(ctx context.Context) (map[string]ServiceProviderEntry, error) {
	url := fmt.Sprintf("%s/service_providers", l.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := l.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	var out map[string]ServiceProviderEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode service provider roster: %w", err)
	}
	return out, nil
}

// HTTPBroadcaster implements Broadcaster by forwarding the unsigned
// replica-set update to an external relay that owns the signing key
// (cryptographic signing of transactions is a spec.md §1 non-goal for this
// engine). It is the one HTTP boundary in this package that writes instead
// of reads.
type HTTPBroadcaster struct {
	hc      *http.Client
	baseURL string
}

// NewHTTPBroadcaster builds an HTTPBroadcaster against baseURL.
func NewHTTPBroadcaster(baseURL string, timeout time.Duration) *HTTPBroadcaster {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &HTTPBroadcaster{hc: &http.Client{Timeout: timeout}, baseURL: strings.TrimRight(baseURL, "/")}
}

type broadcastReplicaSetUpdateRequest struct {
	UserID       int64 `json:"user_id"`
	PrimaryID    int   `json:"primary_id"`
	Secondary1ID int   `json:"secondary1_id"`
	Secondary2ID int   `json:"secondary2_id"`
}

// BroadcastReplicaSetUpdate implements Broadcaster.
func (b *HTTPBroadcaster) BroadcastReplicaSetUpdate(ctx context.Context, userID int64, primaryID, secondary1ID, secondary2ID int) error {
	url := fmt.Sprintf("%s/replica_set_updates", b.baseURL)

	buf, err := json.Marshal(broadcastReplicaSetUpdateRequest{
		UserID: userID, PrimaryID: primaryID, Secondary1ID: secondary1ID, Secondary2ID: secondary2ID,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(buf)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}
