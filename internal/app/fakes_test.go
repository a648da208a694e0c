package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Obulo/starter-kit/internal/config"
	"github.com/Obulo/starter-kit/internal/directory"
	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/llm"
	"github.com/Obulo/starter-kit/internal/store"
	"github.com/Obulo/starter-kit/internal/workspace"
)

// fakeProvider implements identity.Provider with overridable hooks. The
// zero value serves a loaded, signed-out snapshot and empty results.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string

	snapshot   identity.Snapshot
	sessionErr error

	sessionSnapshotFn    func(ctx context.Context, token string) (identity.Snapshot, error)
	renameOrganizationFn func(ctx context.Context, orgID, name string) (identity.Organization, error)
	getUserFn            func(ctx context.Context, userID string) (identity.User, error)
	listMembersFn        func(ctx context.Context, orgID string) ([]identity.Membership, error)
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) recorded(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeProvider) SessionSnapshot(ctx context.Context, token string) (identity.Snapshot, error) {
	f.record("SessionSnapshot")
	if f.sessionSnapshotFn != nil {
		return f.sessionSnapshotFn(ctx, token)
	}
	if f.sessionErr != nil {
		return identity.Snapshot{}, f.sessionErr
	}
	if !f.snapshot.Loaded {
		return identity.Snapshot{Loaded: true, OrgLoaded: true}, nil
	}
	return f.snapshot, nil
}

func (f *fakeProvider) GetOrganization(ctx context.Context, orgID string) (identity.Organization, error) {
	f.record("GetOrganization")
	return identity.Organization{ID: orgID}, nil
}

func (f *fakeProvider) RenameOrganization(ctx context.Context, orgID, name string) (identity.Organization, error) {
	f.record("RenameOrganization")
	if f.renameOrganizationFn != nil {
		return f.renameOrganizationFn(ctx, orgID, name)
	}
	return identity.Organization{ID: orgID, Name: name}, nil
}

func (f *fakeProvider) DeleteOrganization(ctx context.Context, orgID string) error {
	f.record("DeleteOrganization")
	return nil
}

func (f *fakeProvider) CreateOrganization(ctx context.Context, name, createdBy string) (identity.Organization, error) {
	f.record("CreateOrganization")
	return identity.Organization{ID: "org_new", Name: name}, nil
}

func (f *fakeProvider) ListMemberships(ctx context.Context, userID string) ([]identity.Membership, error) {
	f.record("ListMemberships")
	return nil, nil
}

func (f *fakeProvider) ListOrganizationMembers(ctx context.Context, orgID string) ([]identity.Membership, error) {
	f.record("ListOrganizationMembers")
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, orgID)
	}
	return nil, nil
}

func (f *fakeProvider) SetActiveOrganization(ctx context.Context, sessionToken, orgID string) error {
	f.record("SetActiveOrganization")
	return nil
}

func (f *fakeProvider) CreateInvitation(ctx context.Context, orgID, email, role string) error {
	f.record("CreateInvitation")
	return nil
}

func (f *fakeProvider) GetUser(ctx context.Context, userID string) (identity.User, error) {
	f.record("GetUser")
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return identity.User{ID: userID}, nil
}

func (f *fakeProvider) ListUsers(ctx context.Context, query string) ([]identity.User, error) {
	f.record("ListUsers")
	return nil, nil
}

func (f *fakeProvider) UpdateUser(ctx context.Context, userID, firstName, lastName string) (identity.User, error) {
	f.record("UpdateUser")
	return identity.User{ID: userID, FirstName: firstName, LastName: lastName}, nil
}

func (f *fakeProvider) CreateUser(ctx context.Context, email, firstName, lastName string) (identity.User, error) {
	f.record("CreateUser")
	return identity.User{ID: "user_new", Email: email}, nil
}

var _ identity.Provider = (*fakeProvider)(nil)

// fakeRecordStore is an in-memory workspace table keyed by organization id.
type fakeRecordStore struct {
	mu   sync.Mutex
	rows map[string]store.Workspace
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{rows: map[string]store.Workspace{}}
}

func (f *fakeRecordStore) GetWorkspace(ctx context.Context, orgID string) (*store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[orgID]; ok {
		copied := row
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeRecordStore) CreateWorkspace(ctx context.Context, orgID, name string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	row := store.Workspace{ID: "ws_" + orgID, Name: name, OrgID: orgID, CreatedAt: now, UpdatedAt: now}
	f.rows[orgID] = row
	return row, nil
}

func (f *fakeRecordStore) UpdateWorkspaceName(ctx context.Context, orgID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[orgID]
	if !ok {
		return &store.PersistenceError{Op: "update workspace name"}
	}
	row.Name = name
	row.UpdatedAt = time.Now().UTC()
	f.rows[orgID] = row
	return nil
}

func (f *fakeRecordStore) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Workspace, 0, len(f.rows))
	for _, row := range f.rows {
		items = append(items, row)
	}
	return items, nil
}

func (f *fakeRecordStore) SearchWorkspaces(ctx context.Context, query string, limit int) ([]store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Workspace
	for _, row := range f.rows {
		if strings.Contains(strings.ToLower(row.Name), strings.ToLower(query)) {
			items = append(items, row)
		}
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type testEnv struct {
	provider *fakeProvider
	records  *fakeRecordStore
	service  *Service
	server   *httptest.Server
}

func authorizedSnapshot() identity.Snapshot {
	return identity.Snapshot{
		Loaded:    true,
		OrgLoaded: true,
		SignedIn:  true,
		UserID:    "user_1",
		Organization: &identity.Organization{
			ID:   "org_123",
			Name: "Acme",
		},
	}
}

// newTestEnv wires the service against in-memory fakes. modelURL is the
// upstream completion endpoint; empty leaves the bridge unconfigured.
func newTestEnv(t *testing.T, modelURL string) *testEnv {
	t.Helper()

	provider := &fakeProvider{}
	records := newFakeRecordStore()
	cfg := config.Config{
		IdentityPublishable:  "pk_test",
		IdentityWebhookToken: "whsec_test",
		OrgName:              "Acme",
	}

	var model *llm.Client
	if modelURL != "" {
		model = llm.NewClient(modelURL, "test-key", "test-model")
	}

	service := New(cfg, fakePinger{}, provider,
		workspace.New(records, provider, nil),
		directory.NewService(nil, records),
		model)

	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)

	return &testEnv{provider: provider, records: records, service: service, server: server}
}
