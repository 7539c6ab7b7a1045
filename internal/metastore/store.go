// Package metastore implements the MetaStore Adapter: tenant-scoped
// durable storage for connections, events, roles, and audit rows. The
// on-disk implementation generalizes the teacher's StateSnapshotter from
// "one payload per message type" to "one JSON row-set per table, keyed by
// primary key".
package metastore

import (
	"context"
	"encoding/json"
)

// Table names the logical row-sets the fabric persists.
type Table string

const (
	TableConnections   Table = "connections"
	TableEvents        Table = "events"
	TableRoles         Table = "roles"
	TableUserRoles     Table = "user_roles"
	TableOrganizations Table = "organizations"
	TableUsers         Table = "users"
	TableAuditLog      Table = "audit_log"
)

// AuditLog is the durable row §7's "emit an audit event" propagation
// policy writes on every authorization decision and typed failure.
type AuditLog struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	ActorUserID    string            `json:"actorUserId,omitempty"`
	Action         string            `json:"action"`
	Resource       string            `json:"resource"`
	Outcome        string            `json:"outcome"`
	CreatedAt      string            `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store is the tenant-scoped persistence boundary every stateful
// component (Connection Manager, Router, Health Monitor) reads and writes
// through. Rows are addressed by table, organization, and primary key;
// organization scoping is mandatory so a lookup can never cross tenants
// (invariant I1).
type Store interface {
	// Upsert writes row under (table, organizationID, id), replacing any
	// existing row at that key.
	Upsert(ctx context.Context, table Table, organizationID, id string, row any) error

	// Find decodes the row stored at (table, organizationID, id) into out,
	// returning found=false rather than an error when absent.
	Find(ctx context.Context, table Table, organizationID, id string, out any) (found bool, err error)

	// ListByOrganization returns every raw row currently stored for
	// organizationID under table, in insertion order.
	ListByOrganization(ctx context.Context, table Table, organizationID string) ([]json.RawMessage, error)

	// Delete removes the row at (table, organizationID, id). Deleting an
	// absent row is not an error.
	Delete(ctx context.Context, table Table, organizationID, id string) error

	// Close releases any resources (file handles, flush goroutines) held
	// by the store.
	Close() error
}
