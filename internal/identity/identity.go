// Package identity defines the contract with the hosted identity provider.
// The provider owns users, organizations and sessions; this service only
// reads session state and calls the provider's mutation endpoints.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Organization struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	MembersCount int       `json:"membersCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

type Membership struct {
	Organization Organization `json:"organization"`
	UserID       string       `json:"userId"`
	Role         string       `json:"role"`
}

// Snapshot is one read of session state. The gate evaluates exactly one
// snapshot; it is never mutated here, only replaced by a fresh read.
type Snapshot struct {
	Loaded       bool          `json:"loaded"`
	SignedIn     bool          `json:"signedIn"`
	UserID       string        `json:"userId,omitempty"`
	OrgLoaded    bool          `json:"orgLoaded"`
	Organization *Organization `json:"organization,omitempty"`
}

// ErrSessionInvalid is returned when the provider does not recognize the
// session token. The gate treats it as signed out.
var ErrSessionInvalid = errors.New("session invalid")

// ProviderError wraps any failure from the identity provider. It is shown
// to users as a transient message and never changes gate state by itself.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("identity provider %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("identity provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is the read/write surface this service consumes. All calls are
// opaque remote operations with provider-defined error semantics.
type Provider interface {
	// SessionSnapshot resolves a session token into one snapshot.
	// An unknown or expired token returns ErrSessionInvalid, not a
	// ProviderError.
	SessionSnapshot(ctx context.Context, sessionToken string) (Snapshot, error)

	GetOrganization(ctx context.Context, orgID string) (Organization, error)
	RenameOrganization(ctx context.Context, orgID, name string) (Organization, error)
	DeleteOrganization(ctx context.Context, orgID string) error
	CreateOrganization(ctx context.Context, name, createdBy string) (Organization, error)
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	ListOrganizationMembers(ctx context.Context, orgID string) ([]Membership, error)
	SetActiveOrganization(ctx context.Context, sessionToken, orgID string) error
	CreateInvitation(ctx context.Context, orgID, email, role string) error

	GetUser(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context, query string) ([]User, error)
	UpdateUser(ctx context.Context, userID string, firstName, lastName string) (User, error)
	CreateUser(ctx context.Context, email, firstName, lastName string) (User, error)
}

// LogoMutator is the optional logo capability. Providers that cannot
// mutate organization logos simply do not implement it; callers check with
// a type assertion and report the operation as unsupported.
type LogoMutator interface {
	SetOrganizationLogo(ctx context.Context, orgID, imageURL string) error
	ClearOrganizationLogo(ctx context.Context, orgID string) error
}
