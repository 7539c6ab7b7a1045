package auth

import (
	"context"
	"fmt"

	"github.com/apix-platform/realtime-fabric/internal/tenant"
)

// Authenticator resolves an inbound bearer token into a tenant.Principal.
// The gateway and the internal gRPC ingress both authenticate through this
// interface, never against HMACTokenVerifier directly.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (tenant.Principal, error)
}

// NoopAuthenticator admits every bearer token as a single default tenant;
// grounded on the teacher's allowAllAuthenticator, used when no WS auth
// secret is configured (local development only).
type NoopAuthenticator struct {
	Default tenant.Principal
}

// Authenticate always succeeds, returning the configured default Principal.
func (a NoopAuthenticator) Authenticate(context.Context, string) (tenant.Principal, error) {
	return a.Default, nil
}

// HMACAuthenticator adapts an HMACTokenVerifier to the Authenticator contract.
type HMACAuthenticator struct {
	verifier *HMACTokenVerifier
}

// NewHMACAuthenticator wraps verifier for use as an Authenticator.
func NewHMACAuthenticator(verifier *HMACTokenVerifier) (*HMACAuthenticator, error) {
	if verifier == nil {
		return nil, fmt.Errorf("auth: verifier must not be nil")
	}
	return &HMACAuthenticator{verifier: verifier}, nil
}

// Authenticate verifies bearerToken and projects its claims into a Principal.
func (a *HMACAuthenticator) Authenticate(_ context.Context, bearerToken string) (tenant.Principal, error) {
	claims, err := a.verifier.Verify(bearerToken)
	if err != nil {
		return tenant.Principal{}, err
	}
	return tenant.Principal{
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
	}, nil
}
