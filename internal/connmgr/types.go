// Package connmgr implements the Connection Manager: the per-session
// state machine, adaptive heartbeat, EMA-smoothed quality scoring, and
// reconnection scheduler of spec §4.D.
package connmgr

import "time"

// ClientType enumerates the kinds of callers that may open a session.
type ClientType string

const (
	ClientWebApp          ClientType = "WEB_APP"
	ClientMobileApp       ClientType = "MOBILE_APP"
	ClientSDKWidget       ClientType = "SDK_WIDGET"
	ClientAPIClient       ClientType = "API_CLIENT"
	ClientInternalService ClientType = "INTERNAL_SERVICE"
)

// Status enumerates the Connection state machine's states.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusSuspended    Status = "SUSPENDED"
	StatusFailed       Status = "FAILED"
)

// Quality enumerates the connection quality buckets derived from missed
// heartbeats and latency: UpdateHeartbeat scores the instantaneous latency
// sample, CheckHeartbeatTimeouts the EMA-smoothed value.
type Quality string

const (
	QualityExcellent Quality = "EXCELLENT"
	QualityGood      Quality = "GOOD"
	QualityPoor      Quality = "POOR"
	QualityCritical  Quality = "CRITICAL"
)

// Connection is the hot in-memory row the Manager owns; MetaStore mirrors
// a durable copy per the DB write-throttling policy.
type Connection struct {
	SessionID           string            `json:"sessionId"`
	OrganizationID      string            `json:"organizationId"`
	UserID              string            `json:"userId,omitempty"`
	ClientType          ClientType        `json:"clientType"`
	Status              Status            `json:"status"`
	ConnectedAt         time.Time         `json:"connectedAt"`
	LastHeartbeat       time.Time         `json:"lastHeartbeat"`
	DisconnectedAt      *time.Time        `json:"disconnectedAt,omitempty"`
	ReconnectAttempts   int               `json:"reconnectAttempts"`
	MaxReconnectAttempts int              `json:"maxReconnectAttempts"`
	NextReconnectAt     *time.Time        `json:"nextReconnectAt,omitempty"`
	Quality             Quality           `json:"quality"`
	LatencyMs           float64           `json:"latencyMs"`
	JitterMs            float64           `json:"jitterMs"`
	MissedHeartbeats    int               `json:"missedHeartbeats"`
	TotalDisconnections int               `json:"totalDisconnections"`
	Metadata            map[string]string `json:"metadata,omitempty"`

	stableSince   time.Time
	heartbeatTick int
}

// clone returns a deep-enough copy safe to hand to callers outside the lock.
func (c *Connection) clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.DisconnectedAt != nil {
		t := *c.DisconnectedAt
		cp.DisconnectedAt = &t
	}
	if c.NextReconnectAt != nil {
		t := *c.NextReconnectAt
		cp.NextReconnectAt = &t
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Stats is the aggregate snapshot returned by Manager.Stats.
type Stats struct {
	Total                 int             `json:"total"`
	ByStatus               map[Status]int  `json:"byStatus"`
	ByQuality              map[Quality]int `json:"byQuality"`
	AverageLatencyMs       float64         `json:"averageLatencyMs"`
	TotalReconnectAttempts int            `json:"totalReconnectAttempts"`
}

// Strategy enumerates the reconnection backoff algorithms.
type Strategy string

const (
	StrategyExponential Strategy = "EXPONENTIAL"
	StrategyLinear      Strategy = "LINEAR"
	StrategyFixed       Strategy = "FIXED"
	StrategyAdaptive    Strategy = "ADAPTIVE"
)

// RegisterInput carries the fields needed to admit a new connection.
type RegisterInput struct {
	SessionID            string
	OrganizationID       string
	UserID               string
	ClientType           ClientType
	MaxReconnectAttempts int
	Metadata             map[string]string
}
