package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/Obulo/starter-kit/internal/identity"
)

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		payload = bytes.NewBuffer(encoded)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	details, _ := body["details"].(map[string]any)
	if details["redirect"] != "/sign-in" {
		t.Fatalf("expected sign-in redirect, got %v", body)
	}
}

func TestProtectedRouteSignedOutToken(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.sessionErr = identity.ErrSessionInvalid

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_expired", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%v)", resp.StatusCode, body)
	}
}

func TestProtectedRouteWithoutOrganization(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = identity.Snapshot{Loaded: true, OrgLoaded: true, SignedIn: true, UserID: "user_1"}

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_noorg", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%v)", resp.StatusCode, body)
	}
	details, _ := body["details"].(map[string]any)
	if details["redirect"] != "/select-org" {
		t.Fatalf("expected select-org redirect, got %v", body)
	}
}

func TestProtectedRouteProviderUnavailable(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.sessionErr = &identity.ProviderError{Op: "session snapshot", Status: 502}

	resp, _ := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_abc", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while session state is unavailable, got %d", resp.StatusCode)
	}
}

func TestWorkspaceProvisionedOnFirstLoad(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = authorizedSnapshot()

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_ok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	row, _ := body["workspace"].(map[string]any)
	if row["organizationId"] != "org_123" || row["name"] != "Acme" {
		t.Fatalf("unexpected workspace payload: %v", body)
	}
	if stored, _ := env.records.GetWorkspace(context.Background(), "org_123"); stored == nil {
		t.Fatal("workspace row was not persisted")
	}

	// Second load returns the same row instead of creating another.
	_, again := doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_ok", nil)
	rowAgain, _ := again["workspace"].(map[string]any)
	if rowAgain["id"] != row["id"] {
		t.Fatalf("expected a stable workspace id, got %v then %v", row["id"], rowAgain["id"])
	}
}

func TestRenameWorkspace(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = authorizedSnapshot()
	doRequest(t, http.MethodGet, env.server.URL+"/api/workspace", "sess_ok", nil)

	resp, body := doRequest(t, http.MethodPut, env.server.URL+"/api/workspace/name", "sess_ok",
		map[string]string{"name": "Acme Renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["synced"] != true {
		t.Fatalf("expected synced rename, got %v", body)
	}
	if !env.provider.recorded("RenameOrganization") {
		t.Fatal("rename never reached the identity provider")
	}
	row, _ := env.records.GetWorkspace(context.Background(), "org_123")
	if row == nil || row.Name != "Acme Renamed" {
		t.Fatalf("workspace row not updated: %+v", row)
	}
}

func TestRenameWorkspaceBlankName(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = authorizedSnapshot()

	resp, body := doRequest(t, http.MethodPut, env.server.URL+"/api/workspace/name", "sess_ok",
		map[string]string{"name": "   "})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%v)", resp.StatusCode, body)
	}
	if env.provider.recorded("RenameOrganization") {
		t.Fatal("blank rename must not reach the provider")
	}
}

func TestSessionEndpointReportsGateState(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name     string
		token    string
		snapshot identity.Snapshot
		state    string
		redirect string
	}{
		{name: "no token", state: "unauthenticated", redirect: "/sign-in"},
		{
			name:     "signed in without organization",
			token:    "sess_noorg",
			snapshot: identity.Snapshot{Loaded: true, OrgLoaded: true, SignedIn: true, UserID: "user_1"},
			state:    "no_organization",
			redirect: "/select-org",
		},
		{name: "authorized", token: "sess_ok", snapshot: authorizedSnapshot(), state: "authorized"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env.provider.snapshot = tc.snapshot
			resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/session", tc.token, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			if body["state"] != tc.state {
				t.Fatalf("expected state %q, got %v", tc.state, body)
			}
			if tc.redirect != "" && body["redirect"] != tc.redirect {
				t.Fatalf("expected redirect %q, got %v", tc.redirect, body)
			}
		})
	}
}

func TestDirectorySearchFallsBackToStore(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = authorizedSnapshot()
	for i := 0; i < 3; i++ {
		_, _ = env.records.CreateWorkspace(context.Background(), fmt.Sprintf("org_%d", i), fmt.Sprintf("Team %d", i))
	}

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/workspaces/search?q=team", "sess_ok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	results, _ := body["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %v", body)
	}
}

func TestLogoUploadWithoutStorage(t *testing.T) {
	env := newTestEnv(t, "")
	env.provider.snapshot = authorizedSnapshot()

	resp, body := doRequest(t, http.MethodDelete, env.server.URL+"/api/workspace/logo", "sess_ok", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without logo storage, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "LOGO_UNAVAILABLE" {
		t.Fatalf("unexpected error code: %v", body)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodGet, env.server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("unexpected ready response: %d %v", resp.StatusCode, body)
	}
}

func TestConfigEndpointIsPublic(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/config", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["orgName"] != "Acme" || body["publishableKey"] != "pk_test" {
		t.Fatalf("unexpected branding payload: %v", body)
	}
}
