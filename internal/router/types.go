// Package router implements the Event Router / Subscription Manager: a
// dual-indexed channel/session table, tenant-filtered fan-out, and a
// per-session bounded backpressure ring grounded on the teacher's
// networking.BandwidthRegulator token-bucket idiom.
package router

import (
	"encoding/json"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/policy"
)

// ChannelType enumerates the channel kinds spec §3 defines.
type ChannelType string

const (
	ChannelAgentEvents    ChannelType = "AGENT_EVENTS"
	ChannelToolEvents     ChannelType = "TOOL_EVENTS"
	ChannelWorkflowEvents ChannelType = "WORKFLOW_EVENTS"
	ChannelProviderEvents ChannelType = "PROVIDER_EVENTS"
	ChannelSystemEvents   ChannelType = "SYSTEM_EVENTS"
	ChannelPrivateUser    ChannelType = "PRIVATE_USER"
	ChannelOrganization   ChannelType = "ORGANIZATION"
)

// validChannelTypes is the closed set Subscribe/Publish validate against.
var validChannelTypes = map[ChannelType]bool{
	ChannelAgentEvents:    true,
	ChannelToolEvents:     true,
	ChannelWorkflowEvents: true,
	ChannelProviderEvents: true,
	ChannelSystemEvents:   true,
	ChannelPrivateUser:    true,
	ChannelOrganization:   true,
}

// permissionClass maps a channel type to the policy.Engine abstraction it
// is authorized under; SYSTEM_EVENTS is the only globally shared class.
func (t ChannelType) permissionClass() policy.ChannelType {
	switch t {
	case ChannelSystemEvents:
		return policy.ChannelSystem
	case ChannelPrivateUser:
		return policy.ChannelPrivate
	default:
		return policy.ChannelPublic
	}
}

// Channel is lazily materialized on first subscribe. Unsubscribe records
// LastEmptyAt when its subscriber count drops to zero; empty channels stay
// in the table, and Config.ChannelTTL is not used to retire them.
type Channel struct {
	Name             string      `json:"name"`
	Type             ChannelType `json:"type"`
	OrganizationID   string      `json:"organizationId,omitempty"`
	Permissions      []string    `json:"permissions,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	LastEmptyAt      time.Time   `json:"-"`
	subscriberCount  int
}

// Subscription is the (session, channel) membership record.
type Subscription struct {
	SessionID       string            `json:"sessionId"`
	Channel         string            `json:"channel"`
	OrganizationID  string            `json:"organizationId"`
	Filters         map[string]string `json:"filters,omitempty"`
	Acknowledgment  bool              `json:"acknowledgment"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Event is the immutable, server-assigned envelope Publish produces.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Channel        string          `json:"channel"`
	ChannelType    ChannelType     `json:"channelType"`
	Payload        json.RawMessage `json:"payload"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Acknowledgment bool            `json:"acknowledgment"`
	RetryCount     int             `json:"retryCount"`
	CreatedAt      time.Time       `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// channelKey is the subscription table's index key: (organizationID, name)
// for tenant-scoped channels, but name-only for SYSTEM_EVENTS so a single
// global channel is shared across every organization (spec §4.F).
func channelKey(channelType ChannelType, organizationID, name string) string {
	if channelType == ChannelSystemEvents {
		return "system:" + name
	}
	return organizationID + ":" + name
}
