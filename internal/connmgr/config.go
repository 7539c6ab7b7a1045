package connmgr

import "time"

// Config bundles the tunables spec §4.D and §6 expose for the heartbeat
// and reconnection subsystems.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMissed int

	Strategy           Strategy
	MaxReconnectAttempts int
	BackoffMultiplier  float64
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	LinearIncrement    time.Duration
	FixedDelay         time.Duration
	Jitter             bool
	JitterFactor       float64
	ResetAfter         time.Duration

	// DBWriteEveryKHeartbeats is the deterministic write-throttling
	// divisor: the durable row is rewritten on every transition and on
	// every Kth heartbeat, replacing the source's 10% random sample.
	DBWriteEveryKHeartbeats int
}

// DefaultConfig mirrors the defaults in spec §4.D/§6.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        5 * time.Second,
		HeartbeatMaxMissed:      3,
		Strategy:                StrategyExponential,
		MaxReconnectAttempts:    5,
		BackoffMultiplier:       2.0,
		InitialDelay:            time.Second,
		MaxDelay:                30 * time.Second,
		LinearIncrement:         time.Second,
		FixedDelay:              5 * time.Second,
		Jitter:                  true,
		JitterFactor:            0.5,
		ResetAfter:              5 * time.Minute,
		DBWriteEveryKHeartbeats: 10,
	}
}
