package policy

import (
	"context"
	"fmt"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

// RoleSource resolves the full Role records a Principal's role IDs refer to,
// scoped to organizationID. The metastore implements this.
type RoleSource interface {
	RolesByIDs(ctx context.Context, organizationID string, roleIDs []string) ([]tenant.Role, error)
}

// RoleEngine authorizes channel actions against a principal's resolved
// roles, honoring the `resource:action` wildcard scheme from tenant.Role.
// System channels require the ORG_ADMIN level or above; private channels
// require an explicit `channels:subscribe`/`channels:publish` grant.
type RoleEngine struct {
	roles RoleSource
}

// NewRoleEngine constructs a RoleEngine backed by roles.
func NewRoleEngine(roles RoleSource) (*RoleEngine, error) {
	if roles == nil {
		return nil, fmt.Errorf("policy: role source must not be nil")
	}
	return &RoleEngine{roles: roles}, nil
}

func (e *RoleEngine) CanSubscribe(ctx context.Context, principal tenant.Principal, channel string, channelType ChannelType) error {
	return e.authorize(ctx, principal, channelType, "subscribe")
}

func (e *RoleEngine) CanPublish(ctx context.Context, principal tenant.Principal, channel string, channelType ChannelType) error {
	return e.authorize(ctx, principal, channelType, "publish")
}

func (e *RoleEngine) authorize(ctx context.Context, principal tenant.Principal, channelType ChannelType, action string) error {
	if channelType == ChannelPublic {
		return nil
	}
	for _, perm := range principal.Permissions {
		if perm == fmt.Sprintf("channels:%s", action) || perm == "channels:*" || perm == "*:*" {
			return checkSystemLevel(ctx, e, principal, channelType)
		}
	}
	roles, err := e.roles.RolesByIDs(ctx, principal.OrganizationID, principal.Roles)
	if err != nil {
		return apierr.Wrap(apierr.Transient, "resolve roles", err)
	}
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		if role.HasPermission("channels", action) {
			return checkSystemLevel(ctx, e, principal, channelType)
		}
	}
	return apierr.New(apierr.Forbidden, fmt.Sprintf("principal lacks channels:%s permission", action))
}

func checkSystemLevel(ctx context.Context, e *RoleEngine, principal tenant.Principal, channelType ChannelType) error {
	if channelType != ChannelSystem {
		return nil
	}
	roles, err := e.roles.RolesByIDs(ctx, principal.OrganizationID, principal.Roles)
	if err != nil {
		return apierr.Wrap(apierr.Transient, "resolve roles", err)
	}
	for _, role := range roles {
		if role.IsActive && (role.Level == tenant.LevelSuperAdmin || role.Level == tenant.LevelOrgAdmin) {
			return nil
		}
	}
	return apierr.New(apierr.Forbidden, "system channels require org-admin level or above")
}
