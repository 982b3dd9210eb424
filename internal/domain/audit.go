package domain

import (
	"context"
	"time"
)

// AuditEntry is one row of the operational audit trail: connection
// lifecycle events, authentication outcomes, and admin actions. It never
// carries published message bodies, so it does not constitute persisted
// message history.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// ListOpts provides pagination and filtering for audit queries. Event and
// AppKey are additions beyond plain pagination/time-range: the audit log is
// multi-tenant (every connection belongs to exactly one appkey) and
// event-typed (auth_failed, auth_succeeded, admin_close_connection, ...), so
// an operator inspecting one app's history or one event family needs to
// filter on both without scanning the whole table client-side.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time

	// Event restricts results to entries logged under this exact event
	// name. Empty means no event filter.
	Event string

	// AppKey restricts results to entries whose detail carries this
	// appkey (every auth and admin event does). Empty means no appkey
	// filter.
	AppKey string
}

// AuditLog records operational events for later inspection.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
