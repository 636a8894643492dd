package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration of a tablet server.
// yaml and validate tags drive parsing and validation.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger" validate:"required"`
	Server   ServerConfig   `yaml:"http-server" validate:"required"`
	Tablet   TabletConfig   `yaml:"tablet" validate:"required"`
	Raft     RaftConfig     `yaml:"raft" validate:"required"`
	Storage  StorageConfig  `yaml:"storage" validate:"required"`
	Registry RegistryConfig `yaml:"registry"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
}

// PeerConfig describes one member of the initial replica set.
type PeerConfig struct {
	UUID       string `yaml:"uuid" validate:"required"`
	Address    string `yaml:"address" validate:"required"`
	MemberType string `yaml:"member_type" validate:"oneof=VOTER PRE_VOTER OBSERVER PRE_OBSERVER"`
}

type TabletConfig struct {
	TabletID string       `yaml:"tablet_id" validate:"required"`
	PeerUUID string       `yaml:"peer_uuid"`
	Peers    []PeerConfig `yaml:"peers" validate:"required,min=1"`
}

type RaftConfig struct {
	HeartbeatInterval                    time.Duration `yaml:"heartbeat_interval" validate:"required"`
	LeaderFailureMaxMissedHeartbeats     float64       `yaml:"leader_failure_max_missed_heartbeat_periods" validate:"required,gt=0"`
	LeaderFailureExpBackoffMaxDelta      time.Duration `yaml:"leader_failure_exp_backoff_max_delta" validate:"required"`
	EnableLeaderFailureDetection         bool          `yaml:"enable_leader_failure_detection"`
	QuickLeaderElectionOnCreate          bool          `yaml:"quick_leader_election_on_create"`
	AfterStepdownDelayElectionMultiplier int           `yaml:"after_stepdown_delay_election_multiplier" validate:"min=1"`
	LeaderLeaseDuration                  time.Duration `yaml:"leader_lease_duration"`
	HTLeaseDuration                      time.Duration `yaml:"ht_lease_duration"`
	MinLeaderStepdownRetryInterval       time.Duration `yaml:"min_leader_stepdown_retry_interval"`
	UsePreelection                       bool          `yaml:"use_preelection"`
	TemporaryDisablePreelectionsTimeout  time.Duration `yaml:"temporary_disable_preelections_timeout"`
	EnableLeaseRevocation                bool          `yaml:"enable_lease_revocation"`
	EvictFailedFollowers                 bool          `yaml:"evict_failed_followers"`
	FollowerUnavailableConsideredFailed  time.Duration `yaml:"follower_unavailable_considered_failed"`
	StepdownDisableGracefulTransition    bool          `yaml:"stepdown_disable_graceful_transition"`
	MaxBatchSizeBytes                    int           `yaml:"max_batch_size_bytes" validate:"required,min=1"`
	RPCTimeout                           time.Duration `yaml:"rpc_timeout" validate:"required"`
	Workers                              int           `yaml:"workers" validate:"required,min=1"`
	WorkerQueueSize                      int           `yaml:"worker_queue_size" validate:"min=0"`
}

type StorageConfig struct {
	RootPath    string `yaml:"path" validate:"required,dir"`
	WALFile     string `yaml:"wal_file" validate:"required"`
	MetaFile    string `yaml:"meta_file" validate:"required"`
	Compression string `yaml:"compression" validate:"oneof=none zstd"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

type RegistryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Default returns a baseline single-replica development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Tablet: TabletConfig{
			TabletID: "tablet-1",
			PeerUUID: "peer-1",
			Peers: []PeerConfig{
				{UUID: "peer-1", Address: "127.0.0.1:8080", MemberType: "VOTER"},
			},
		},
		Raft: DefaultRaft(),
		Storage: StorageConfig{
			RootPath:    "./data",
			WALFile:     "raft.wal",
			MetaFile:    "consensus-meta.yaml",
			Compression: "none",
			SyncWrites:  true,
		},
		Registry: RegistryConfig{
			Enabled:        false,
			Root:           "/tabletraft",
			SessionTimeout: 10 * time.Second,
		},
	}
}

// DefaultRaft returns the consensus knobs used in production.
func DefaultRaft() RaftConfig {
	return RaftConfig{
		HeartbeatInterval:                    500 * time.Millisecond,
		LeaderFailureMaxMissedHeartbeats:     6,
		LeaderFailureExpBackoffMaxDelta:      20 * time.Second,
		EnableLeaderFailureDetection:         true,
		QuickLeaderElectionOnCreate:          true,
		AfterStepdownDelayElectionMultiplier: 5,
		LeaderLeaseDuration:                  2 * time.Second,
		HTLeaseDuration:                      2 * time.Second,
		MinLeaderStepdownRetryInterval:       20 * time.Second,
		UsePreelection:                       true,
		TemporaryDisablePreelectionsTimeout:  10 * time.Minute,
		EnableLeaseRevocation:                true,
		EvictFailedFollowers:                 true,
		FollowerUnavailableConsideredFailed:  15 * time.Minute,
		StepdownDisableGracefulTransition:    false,
		MaxBatchSizeBytes:                    4 * 1024 * 1024,
		RPCTimeout:                           3 * time.Second,
		Workers:                              8,
		WorkerQueueSize:                      1024,
	}
}

// MinimumElectionTimeout is heartbeat × allowed missed periods.
func (r RaftConfig) MinimumElectionTimeout() time.Duration {
	return time.Duration(float64(r.HeartbeatInterval) * r.LeaderFailureMaxMissedHeartbeats)
}

var errInvalidConfig = errors.New("invalid config")

// Validate checks the constraints declared in the validate tags.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		add("logger.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logger.Level)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("http-server.port %d out of range", c.Server.Port)
	}

	if c.Tablet.TabletID == "" {
		add("tablet.tablet_id is required")
	}
	if len(c.Tablet.Peers) == 0 {
		add("tablet.peers must list at least one replica")
	}
	seen := make(map[string]struct{}, len(c.Tablet.Peers))
	for i, p := range c.Tablet.Peers {
		if p.UUID == "" || p.Address == "" {
			add("tablet.peers[%d] needs uuid and address", i)
		}
		if _, dup := seen[p.UUID]; dup {
			add("tablet.peers[%d] duplicate uuid %q", i, p.UUID)
		}
		seen[p.UUID] = struct{}{}
		switch p.MemberType {
		case "", "VOTER", "PRE_VOTER", "OBSERVER", "PRE_OBSERVER":
		default:
			add("tablet.peers[%d] unknown member_type %q", i, p.MemberType)
		}
	}

	r := c.Raft
	if r.HeartbeatInterval <= 0 {
		add("raft.heartbeat_interval must be positive")
	}
	if r.LeaderFailureMaxMissedHeartbeats <= 0 {
		add("raft.leader_failure_max_missed_heartbeat_periods must be positive")
	}
	if r.LeaderFailureExpBackoffMaxDelta <= 0 {
		add("raft.leader_failure_exp_backoff_max_delta must be positive")
	}
	if r.AfterStepdownDelayElectionMultiplier < 1 {
		add("raft.after_stepdown_delay_election_multiplier must be at least 1")
	}
	if r.LeaderLeaseDuration < 0 || r.HTLeaseDuration < 0 {
		add("raft lease durations must not be negative")
	}
	if r.MaxBatchSizeBytes < 1 {
		add("raft.max_batch_size_bytes must be positive")
	}
	if r.RPCTimeout <= 0 {
		add("raft.rpc_timeout must be positive")
	}
	if r.Workers < 1 {
		add("raft.workers must be positive")
	}

	if c.Storage.RootPath == "" || c.Storage.WALFile == "" || c.Storage.MetaFile == "" {
		add("storage.path, storage.wal_file and storage.meta_file are required")
	}
	switch c.Storage.Compression {
	case "", "none", "zstd":
	default:
		add("storage.compression %q is not one of none, zstd", c.Storage.Compression)
	}

	if c.Registry.Enabled && len(c.Registry.Servers) == 0 {
		add("registry.servers is required when the registry is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
