// Package config loads the snapback node's configuration from a TOML file
// with environment variable overrides, and exposes the typed values named in
// spec.md §6.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// ModuloBase is the fixed number of shards the state-machine loop cycles
// through; one shard per iteration.
const ModuloBase = 24

// Defaults for the constants named in spec.md §6.
const (
	MaxSyncMonitoringDurationInMsDefault = 360000
	SyncMonitoringRetryDelayMsDefault    = 15000
)

// Load reads configPath (a TOML file) and overlays environment variables,
// matching NODE_SP_ID-style env vars to node.sp_id-style koanf paths.
func Load(logger *zerolog.Logger, configPath string) *koanf.Koanf {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config file")
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment variables")
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded")
	return ko
}

// Node holds the engine's own process configuration (spec.md §6).
type Node struct {
	IsUserMetadataNode  bool
	CreatorNodeEndpoint string
	SpID                int
	DevMode             bool
}

// SyncQueue holds the two worker-pool sizes and the export-window bound used
// by the completion monitor.
type SyncQueue struct {
	MaxManualConcurrency    int
	MaxRecurringConcurrency int
	MaxExportClockRange     int
}

// NodeFromKoanf reads the "node.*" keys.
func NodeFromKoanf(ko *koanf.Koanf) Node {
	return Node{
		IsUserMetadataNode:  ko.Bool("node.is_user_metadata_node"),
		CreatorNodeEndpoint: ko.String("node.creator_node_endpoint"),
		SpID:                ko.Int("node.sp_id"),
		DevMode:             ko.Bool("node.dev_mode"),
	}
}

// SyncQueueFromKoanf reads the "syncqueue.*" keys.
func SyncQueueFromKoanf(ko *koanf.Koanf) SyncQueue {
	sq := SyncQueue{
		MaxManualConcurrency:    ko.Int("syncqueue.max_manual_concurrency"),
		MaxRecurringConcurrency: ko.Int("syncqueue.max_recurring_concurrency"),
		MaxExportClockRange:     ko.Int("syncqueue.max_export_clock_range"),
	}
	if sq.MaxManualConcurrency == 0 {
		sq.MaxManualConcurrency = 4
	}
	if sq.MaxRecurringConcurrency == 0 {
		sq.MaxRecurringConcurrency = 8
	}
	return sq
}

// Collaborators holds the base URLs of the external services backing the
// Discovery, Selection, and Broadcaster collaborators (spec.md §1 treats
// all three as out-of-scope external systems named by interface only).
type Collaborators struct {
	DiscoveryURL string
	SelectionURL string
	RegistryURL  string
	BroadcastURL string
}

// CollaboratorsFromKoanf reads the "collab.*" keys.
func CollaboratorsFromKoanf(ko *koanf.Koanf) Collaborators {
	return Collaborators{
		DiscoveryURL: ko.String("collab.discovery_url"),
		SelectionURL: ko.String("collab.selection_url"),
		RegistryURL:  ko.String("collab.registry_url"),
		BroadcastURL: ko.String("collab.broadcast_url"),
	}
}

// Servers holds the bind addresses for the ambient metrics and health HTTP
// servers.
type Servers struct {
	MetricsAddress string
	HealthAddress  string
}

// ServersFromKoanf reads the "metrics.address"/"health.address" keys.
func ServersFromKoanf(ko *koanf.Koanf) Servers {
	s := Servers{
		MetricsAddress: ko.String("metrics.address"),
		HealthAddress:  ko.String("health.address"),
	}
	if s.MetricsAddress == "" {
		s.MetricsAddress = ":9100"
	}
	if s.HealthAddress == "" {
		s.HealthAddress = ":9101"
	}
	return s
}

// Storage holds the Postgres DSN for LocalStore and the BoltDB path for the
// local snapshot store.
type Storage struct {
	PostgresDSN  string
	SnapshotPath string
	NatsURL      string
}

// StorageFromKoanf reads the "db.*"/"nats.*" keys.
func StorageFromKoanf(ko *koanf.Koanf) Storage {
	s := Storage{
		PostgresDSN:  ko.String("db.postgres_dsn"),
		SnapshotPath: ko.String("db.snapshot_path"),
		NatsURL:      ko.String("nats.url"),
	}
	if s.SnapshotPath == "" {
		s.SnapshotPath = "snapshot.db"
	}
	if s.NatsURL == "" {
		s.NatsURL = "nats://127.0.0.1:4222"
	}
	return s
}

// JobDelay returns the inter-iteration sleep for the state-machine loop:
// DevDelayInMS (3s) when node.dev_mode is set, ProductionJobDelayInMs (1h)
// otherwise.
func JobDelay(devMode bool) time.Duration {
	if devMode {
		return 3 * time.Second
	}
	return time.Hour
}
