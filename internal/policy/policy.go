// Package policy defines the narrow authorization, auditing, and quota
// boundaries the router and gateway call through. The fabric ships
// permissive no-op defaults so it runs standalone in tests; production
// wiring supplies real implementations backed by the metastore.
package policy

import (
	"context"

	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

// ChannelType enumerates the publish/subscribe permission classes a channel
// name belongs to.
type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
	ChannelSystem  ChannelType = "system"
)

// Engine authorizes a principal's channel-scoped actions.
type Engine interface {
	CanSubscribe(ctx context.Context, principal tenant.Principal, channel string, channelType ChannelType) error
	CanPublish(ctx context.Context, principal tenant.Principal, channel string, channelType ChannelType) error
}

// AuditSink records security- and tenant-relevant events. Implementations
// must not block callers on slow sinks; buffering is the sink's concern.
type AuditSink interface {
	Record(ctx context.Context, organizationID, actorID, action, detail string)
}

// QuotaTracker enforces per-tenant resource ceilings (connections, events,
// channels, API calls) drawn from tenant.Limits.
type QuotaTracker interface {
	Allow(ctx context.Context, organizationID string, resource string, delta int) error
	Release(ctx context.Context, organizationID string, resource string, delta int)
}

// PermissiveEngine grants every subscribe/publish request. It exists so the
// fabric runs standalone in tests and local development without a real
// permission store configured.
type PermissiveEngine struct{}

func (PermissiveEngine) CanSubscribe(context.Context, tenant.Principal, string, ChannelType) error {
	return nil
}

func (PermissiveEngine) CanPublish(context.Context, tenant.Principal, string, ChannelType) error {
	return nil
}

// DiscardAuditSink drops every audit record. Useful for tests and for
// deployments that ship auditing through the structured log stream instead.
type DiscardAuditSink struct{}

func (DiscardAuditSink) Record(context.Context, string, string, string, string) {}

// UnboundedQuotaTracker never rejects a quota request. Useful until a real
// tracker backed by the metastore's tenant limits is wired in.
type UnboundedQuotaTracker struct{}

func (UnboundedQuotaTracker) Allow(context.Context, string, string, int) error { return nil }
func (UnboundedQuotaTracker) Release(context.Context, string, string, int)    {}
