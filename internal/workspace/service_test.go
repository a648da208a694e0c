package workspace

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/store"
)

type fakeRecordStore struct {
	getWorkspaceFn        func(context.Context, string) (*store.Workspace, error)
	createWorkspaceFn     func(context.Context, string, string) (store.Workspace, error)
	updateWorkspaceNameFn func(context.Context, string, string) error
}

func (f *fakeRecordStore) GetWorkspace(ctx context.Context, orgID string) (*store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, orgID)
	}
	return nil, nil
}

func (f *fakeRecordStore) CreateWorkspace(ctx context.Context, orgID, name string) (store.Workspace, error) {
	if f.createWorkspaceFn != nil {
		return f.createWorkspaceFn(ctx, orgID, name)
	}
	return store.Workspace{}, nil
}

func (f *fakeRecordStore) UpdateWorkspaceName(ctx context.Context, orgID, name string) error {
	if f.updateWorkspaceNameFn != nil {
		return f.updateWorkspaceNameFn(ctx, orgID, name)
	}
	return nil
}

type fakeProvider struct {
	identity.Provider

	renameOrganizationFn func(context.Context, string, string) (identity.Organization, error)
}

func (f *fakeProvider) RenameOrganization(ctx context.Context, orgID, name string) (identity.Organization, error) {
	if f.renameOrganizationFn != nil {
		return f.renameOrganizationFn(ctx, orgID, name)
	}
	return identity.Organization{ID: orgID, Name: name}, nil
}

func TestEnsureCreatesOnFirstUse(t *testing.T) {
	now := time.Now()
	var created bool
	fs := &fakeRecordStore{
		createWorkspaceFn: func(_ context.Context, orgID, name string) (store.Workspace, error) {
			created = true
			return store.Workspace{ID: "ws_1", Name: name, OrgID: orgID, CreatedAt: now, UpdatedAt: now}, nil
		},
	}
	svc := New(fs, &fakeProvider{}, nil)

	row, err := svc.Ensure(context.Background(), identity.Organization{ID: "org_123", Name: "Acme"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !created {
		t.Fatal("expected a create for an unseen organization")
	}
	if row.OrgID != "org_123" || row.Name != "Acme" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if !row.CreatedAt.Equal(row.UpdatedAt) {
		t.Fatal("expected equal created_at and updated_at on first create")
	}
}

func TestEnsureReturnsExistingRow(t *testing.T) {
	existing := &store.Workspace{ID: "ws_1", Name: "Acme", OrgID: "org_123"}
	fs := &fakeRecordStore{
		getWorkspaceFn: func(context.Context, string) (*store.Workspace, error) {
			return existing, nil
		},
		createWorkspaceFn: func(context.Context, string, string) (store.Workspace, error) {
			t.Fatal("must not create when a row already exists")
			return store.Workspace{}, nil
		},
	}
	svc := New(fs, &fakeProvider{}, nil)

	row, err := svc.Ensure(context.Background(), identity.Organization{ID: "org_123", Name: "Acme"})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if row.ID != existing.ID {
		t.Fatalf("expected existing row, got %+v", row)
	}
}

func TestEnsureLosingCreateRaceReadsWinner(t *testing.T) {
	winner := store.Workspace{ID: "ws_winner", Name: "Acme", OrgID: "org_123"}
	calls := 0
	fs := &fakeRecordStore{
		getWorkspaceFn: func(context.Context, string) (*store.Workspace, error) {
			calls++
			if calls == 1 {
				return nil, nil
			}
			return &winner, nil
		},
		createWorkspaceFn: func(context.Context, string, string) (store.Workspace, error) {
			return store.Workspace{}, &store.PersistenceError{Op: "create workspace", Conflict: true}
		},
	}
	svc := New(fs, &fakeProvider{}, nil)

	row, err := svc.Ensure(context.Background(), identity.Organization{ID: "org_123", Name: "Acme"})
	if err != nil {
		t.Fatalf("expected the lost race to resolve, got %v", err)
	}
	if row.ID != winner.ID {
		t.Fatalf("expected winner's row, got %+v", row)
	}
}

func TestEnsureSurfacesNonConflictFailures(t *testing.T) {
	fs := &fakeRecordStore{
		createWorkspaceFn: func(context.Context, string, string) (store.Workspace, error) {
			return store.Workspace{}, &store.PersistenceError{Op: "create workspace", Err: errors.New("connection reset")}
		},
	}
	svc := New(fs, &fakeProvider{}, nil)

	if _, err := svc.Ensure(context.Background(), identity.Organization{ID: "org_123", Name: "Acme"}); err == nil {
		t.Fatal("expected a non-conflict store failure to surface")
	}
}

func TestRenameStoreFailureIsNonFatal(t *testing.T) {
	providerCalled := false
	fp := &fakeProvider{
		renameOrganizationFn: func(_ context.Context, orgID, name string) (identity.Organization, error) {
			providerCalled = true
			return identity.Organization{ID: orgID, Name: name}, nil
		},
	}
	fs := &fakeRecordStore{
		updateWorkspaceNameFn: func(context.Context, string, string) error {
			return &store.PersistenceError{Op: "update workspace name", Err: sql.ErrNoRows}
		},
	}
	svc := New(fs, fp, nil)

	result, err := svc.Rename(context.Background(), "org_123", "Acme Renamed")
	if err != nil {
		t.Fatalf("store failure must not fail the rename: %v", err)
	}
	if !providerCalled {
		t.Fatal("expected the provider rename to be attempted first")
	}
	if result.Synced {
		t.Fatal("expected synced=false after a store failure")
	}
	if result.Organization.Name != "Acme Renamed" {
		t.Fatalf("expected the provider result, got %+v", result.Organization)
	}
}

func TestRenameProviderFailureLeavesStoreUntouched(t *testing.T) {
	storeCalled := false
	fp := &fakeProvider{
		renameOrganizationFn: func(context.Context, string, string) (identity.Organization, error) {
			return identity.Organization{}, &identity.ProviderError{Op: "rename organization", Status: 502}
		},
	}
	fs := &fakeRecordStore{
		updateWorkspaceNameFn: func(context.Context, string, string) error {
			storeCalled = true
			return nil
		},
	}
	svc := New(fs, fp, nil)

	if _, err := svc.Rename(context.Background(), "org_123", "Acme"); err == nil {
		t.Fatal("expected the provider failure to surface")
	}
	if storeCalled {
		t.Fatal("the record store must not be written when the provider rename fails")
	}
}

func TestRenameRejectsBlankName(t *testing.T) {
	fp := &fakeProvider{
		renameOrganizationFn: func(context.Context, string, string) (identity.Organization, error) {
			t.Fatal("provider must not be called for a blank name")
			return identity.Organization{}, nil
		},
	}
	svc := New(&fakeRecordStore{}, fp, nil)

	if _, err := svc.Rename(context.Background(), "org_123", "   "); err == nil {
		t.Fatal("expected a blank name to be rejected")
	}
}

func TestOrganizationEventsReconcile(t *testing.T) {
	t.Run("created provisions a row", func(t *testing.T) {
		created := false
		fs := &fakeRecordStore{
			createWorkspaceFn: func(_ context.Context, orgID, name string) (store.Workspace, error) {
				created = true
				return store.Workspace{ID: "ws_1", OrgID: orgID, Name: name}, nil
			},
		}
		svc := New(fs, &fakeProvider{}, nil)
		if err := svc.HandleOrganizationEvent(context.Background(), "organization.created", identity.Organization{ID: "org_123", Name: "Acme"}); err != nil {
			t.Fatalf("event failed: %v", err)
		}
		if !created {
			t.Fatal("expected organization.created to provision a workspace")
		}
	})

	t.Run("updated falls back to ensure when the row is missing", func(t *testing.T) {
		created := false
		fs := &fakeRecordStore{
			updateWorkspaceNameFn: func(context.Context, string, string) error {
				return &store.PersistenceError{Op: "update workspace name", Err: sql.ErrNoRows}
			},
			createWorkspaceFn: func(_ context.Context, orgID, name string) (store.Workspace, error) {
				created = true
				return store.Workspace{ID: "ws_1", OrgID: orgID, Name: name}, nil
			},
		}
		svc := New(fs, &fakeProvider{}, nil)
		if err := svc.HandleOrganizationEvent(context.Background(), "organization.updated", identity.Organization{ID: "org_123", Name: "Acme"}); err != nil {
			t.Fatalf("event failed: %v", err)
		}
		if !created {
			t.Fatal("expected the missing row to be provisioned")
		}
	})

	t.Run("unknown event is ignored", func(t *testing.T) {
		svc := New(&fakeRecordStore{}, &fakeProvider{}, nil)
		if err := svc.HandleOrganizationEvent(context.Background(), "user.created", identity.Organization{}); err != nil {
			t.Fatalf("unknown events must be ignored: %v", err)
		}
	})
}
