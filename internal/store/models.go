package store

import "time"

// Workspace is this system's persisted record of tenant-specific
// application metadata. The identity provider's organization is the source
// of truth for identity and membership; the workspace row is the source of
// truth for everything the provider does not model. At most one row exists
// per external organization id, enforced by a unique constraint.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OrgID     string    `json:"organizationId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
