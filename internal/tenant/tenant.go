// Package tenant models the isolation domain every row and call in the
// fabric carries: organizations, their users, and the roles assigned to
// them. Capacity bookkeeping follows the min/max bounded-counter idiom
// from the teacher's match.Session.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoContext signals a call reached a tenant-scoped boundary without a Context.
var ErrNoContext = errors.New("tenant: no context present")

// Limits bounds the resources a tenant may consume.
type Limits struct {
	MaxUsers       int      `json:"maxUsers"`
	MaxConnections int      `json:"maxConnections"`
	MaxEvents      int      `json:"maxEvents"`
	MaxChannels    int      `json:"maxChannels"`
	MaxStorage     int64    `json:"maxStorage"`
	MaxAPICalls    int      `json:"maxApiCalls"`
	Features       []string `json:"features"`
}

// Organization is the tenant isolation domain.
type Organization struct {
	ID       string   `json:"id"`
	Slug     string   `json:"slug"`
	Limits   Limits   `json:"limits"`
	Settings Settings `json:"settings"`
}

// Settings holds free-form tenant configuration not covered by Limits.
type Settings map[string]string

// Level enumerates the role privilege tiers.
type Level string

const (
	LevelSuperAdmin Level = "SUPER_ADMIN"
	LevelOrgAdmin   Level = "ORG_ADMIN"
	LevelDeveloper  Level = "DEVELOPER"
	LevelViewer     Level = "VIEWER"
)

// User is a principal belonging to exactly one organization.
type User struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Email          string `json:"email"`
	PasswordHash   string `json:"-"`
	IsActive       bool   `json:"isActive"`
}

// Role carries resource:action permission strings, following `*` wildcards.
type Role struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name"`
	Permissions    []string `json:"permissions"`
	Level          Level    `json:"level"`
	IsSystem       bool     `json:"isSystem"`
	IsActive       bool     `json:"isActive"`
}

// HasPermission reports whether the role grants the resource:action pair,
// honoring `*:*` and `resource:*` wildcards.
func (r Role) HasPermission(resource, action string) bool {
	for _, perm := range r.Permissions {
		res, act, ok := strings.Cut(perm, ":")
		if !ok {
			continue
		}
		if res != "*" && res != resource {
			continue
		}
		if act == "*" || act == action {
			return true
		}
	}
	return false
}

// UserRole binds a User to a Role, optionally scoped and time-bound.
type UserRole struct {
	UserID    string  `json:"userId"`
	RoleID    string  `json:"roleId"`
	Scope     *string `json:"scope,omitempty"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
	IsActive  bool    `json:"isActive"`
}

// Principal is the resolved identity the Authenticator hands to every
// tenant-scoped call: the claims extracted from a bearer token.
type Principal struct {
	OrganizationID string
	UserID         string
	Roles          []string
	Permissions    []string
}

type contextKey string

const principalKey contextKey = "tenant-principal"

// ContextWithPrincipal threads a resolved Principal through a call chain,
// following Design Notes §9's TenantContext re-architecture of the source's
// DI-container tenant lookup.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext extracts the Principal threaded by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, error) {
	if ctx == nil {
		return Principal{}, ErrNoContext
	}
	principal, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, ErrNoContext
	}
	return principal, nil
}

// OrganizationIDFromContext is a convenience accessor used by store queries
// that must reject calls lacking a tenant context in strict-isolation mode.
func OrganizationIDFromContext(ctx context.Context) (string, error) {
	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		return "", err
	}
	if principal.OrganizationID == "" {
		return "", fmt.Errorf("tenant: principal has no organization id")
	}
	return principal.OrganizationID, nil
}
