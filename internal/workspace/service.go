// Package workspace reconciles identity-provider organizations with
// persisted workspace rows. Organizations are provisioned reactively: the
// row is created the first time the workspace is looked up, never ahead of
// the provider.
package workspace

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/store"
)

type recordStore interface {
	GetWorkspace(ctx context.Context, orgID string) (*store.Workspace, error)
	CreateWorkspace(ctx context.Context, orgID, name string) (store.Workspace, error)
	UpdateWorkspaceName(ctx context.Context, orgID, name string) error
}

// Indexer receives workspace rows for the directory search index.
// Indexing is fire-and-forget; a nil Indexer disables it.
type Indexer interface {
	IndexWorkspace(item store.Workspace)
}

type Service struct {
	store    recordStore
	provider identity.Provider
	index    Indexer
}

func New(recordStore recordStore, provider identity.Provider, index Indexer) *Service {
	return &Service{store: recordStore, provider: provider, index: index}
}

// Get returns the workspace row for an organization id, or nil when none
// exists. Repeated calls with no intervening write return identical rows.
func (s *Service) Get(ctx context.Context, orgID string) (*store.Workspace, error) {
	return s.store.GetWorkspace(ctx, orgID)
}

// Ensure returns the workspace row for the organization, creating it on
// first use. Two concurrent calls for the same organization yield exactly
// one row: the loser of the insert race re-reads the winner's row. The
// store's unique constraint is the only duplicate protection.
func (s *Service) Ensure(ctx context.Context, org identity.Organization) (store.Workspace, error) {
	existing, err := s.store.GetWorkspace(ctx, org.ID)
	if err != nil {
		return store.Workspace{}, fmt.Errorf("ensure workspace: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	created, err := s.store.CreateWorkspace(ctx, org.ID, org.Name)
	if err == nil {
		if s.index != nil {
			s.index.IndexWorkspace(created)
		}
		return created, nil
	}
	if !store.IsConflict(err) {
		return store.Workspace{}, fmt.Errorf("ensure workspace: %w", err)
	}

	// Lost the race: a concurrent caller created the row first.
	winner, getErr := s.store.GetWorkspace(ctx, org.ID)
	if getErr != nil {
		return store.Workspace{}, fmt.Errorf("ensure workspace after conflict: %w", getErr)
	}
	if winner == nil {
		return store.Workspace{}, fmt.Errorf("ensure workspace after conflict: %w", err)
	}
	return *winner, nil
}

// RenameResult reports a rename. Synced is false when the provider write
// succeeded but the secondary store write did not; the rename still counts
// as successful because the provider is the source of truth.
type RenameResult struct {
	Organization identity.Organization `json:"organization"`
	Workspace    *store.Workspace      `json:"workspace,omitempty"`
	Synced       bool                  `json:"synced"`
}

// Rename renames the organization at the identity provider, then
// propagates the new name into the workspace row. The two writes are
// sequential and independent: the store write is best-effort and its
// failure is logged, never surfaced to the caller as an error.
func (s *Service) Rename(ctx context.Context, orgID, name string) (RenameResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RenameResult{}, fmt.Errorf("workspace name is required")
	}

	org, err := s.provider.RenameOrganization(ctx, orgID, name)
	if err != nil {
		return RenameResult{}, fmt.Errorf("rename organization: %w", err)
	}

	result := RenameResult{Organization: org, Synced: true}
	if err := s.store.UpdateWorkspaceName(ctx, orgID, name); err != nil {
		// The provider write already succeeded and wins on conflict; the
		// stores reconverge on the next ensure or organization event.
		log.Printf("workspace: record store rename for %s failed, provider update kept: %v", orgID, err)
		result.Synced = false
		return result, nil
	}

	if row, err := s.store.GetWorkspace(ctx, orgID); err == nil && row != nil {
		result.Workspace = row
		if s.index != nil {
			s.index.IndexWorkspace(*row)
		}
	}
	return result, nil
}

// HandleOrganizationEvent applies a provider webhook event to the record
// store. Unknown event types are ignored.
func (s *Service) HandleOrganizationEvent(ctx context.Context, eventType string, org identity.Organization) error {
	switch eventType {
	case "organization.created":
		_, err := s.Ensure(ctx, org)
		return err
	case "organization.updated":
		if err := s.store.UpdateWorkspaceName(ctx, org.ID, org.Name); err != nil {
			// The row may simply not exist yet; provision it now.
			if _, ensureErr := s.Ensure(ctx, org); ensureErr != nil {
				return fmt.Errorf("apply organization update: %w", ensureErr)
			}
			return nil
		}
		if row, err := s.store.GetWorkspace(ctx, org.ID); err == nil && row != nil && s.index != nil {
			s.index.IndexWorkspace(*row)
		}
		return nil
	default:
		return nil
	}
}
