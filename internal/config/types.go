package config

import "time"

// Config is the complete runtime configuration for a loom process: the
// bus's SQLite store, the lease/heartbeat/backoff tuning every consumer
// shares, the executor pool's concurrency caps, and the bounded
// sub-protocols (research, consult, replan, approval) spec §4-§9 describe.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	ExecPool  ExecPoolConfig  `yaml:"exec_pool"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Research  ResearchConfig  `yaml:"research"`
	Consult   ConsultConfig   `yaml:"consult"`
	Replan    ReplanConfig    `yaml:"replan"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// StoreConfig configures the SQLite-backed message store.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// ConsumerConfig tunes the lease loop every Consumer runs, per spec §4.3.
type ConsumerConfig struct {
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMult       float64       `yaml:"backoff_mult"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// ExecPoolConfig tunes the Executor Pool's dual semaphore, per spec §4.9.
type ExecPoolConfig struct {
	PerScopeCap int `yaml:"per_scope_cap"`
	GlobalCap   int `yaml:"global_cap"`
}

// ApprovalConfig configures the HMAC approval-token verifier, per spec §6.
type ApprovalConfig struct {
	SecretEnv  string        `yaml:"secret_env"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ResearchConfig overrides the Research State Machine's caps from spec §4.6.
type ResearchConfig struct {
	MaxInFlight    int           `yaml:"max_in_flight"`
	MaxRounds      int           `yaml:"max_rounds"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ConsultConfig overrides the Consult Manager's timeout from spec §4.10.
type ConsultConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ReplanConfig overrides the Replan Manager's depth cap from spec §4.10.
type ReplanConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

// BridgeConfig tunes the Orchestrator Bridge's filtered-lease polling for
// dispatch_turn/dispatch_goal/collect_response, per spec §4.11.
type BridgeConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}
