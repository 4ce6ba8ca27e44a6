package config

import "time"

// Default returns the built-in configuration, matching the defaults spec
// documents throughout §4 and mirrored by the DefaultBackoff/DefaultConfig
// constructors in internal/consumer and internal/store. Load starts from
// this and lets a loaded YAML file override individual fields.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:         "loom.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1,
		},
		Consumer: ConsumerConfig{
			LeaseDuration:     60 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			BackoffBase:       100 * time.Millisecond,
			BackoffMult:       2.0,
			BackoffCap:        5 * time.Second,
			MaxAttempts:       5,
		},
		ExecPool: ExecPoolConfig{
			PerScopeCap: 8,
			GlobalCap:   16,
		},
		Approval: ApprovalConfig{
			SecretEnv:  "LOOM_APPROVAL_SECRET",
			DefaultTTL: 10 * time.Minute,
		},
		Research: ResearchConfig{
			MaxInFlight:    3,
			MaxRounds:      5,
			RequestTimeout: 120 * time.Second,
		},
		Consult: ConsultConfig{
			Timeout:      90 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Replan: ReplanConfig{
			MaxDepth: 2,
		},
		Bridge: BridgeConfig{
			PollInterval:   100 * time.Millisecond,
			DefaultTimeout: 30 * time.Second,
		},
	}
}
