package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/Obulo/starter-kit/internal/config"
	"github.com/Obulo/starter-kit/internal/directory"
	"github.com/Obulo/starter-kit/internal/gate"
	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/llm"
	"github.com/Obulo/starter-kit/internal/logo"
	"github.com/Obulo/starter-kit/internal/session"
	"github.com/Obulo/starter-kit/internal/store"
	"github.com/Obulo/starter-kit/internal/toolkit"
	"github.com/Obulo/starter-kit/internal/workspace"
)

// maxToolRounds caps how many times one bridge request may loop through
// tool execution before the conversation is abandoned.
const maxToolRounds = 5

// Pinger is the connectivity probe used by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg        config.Config
	db         Pinger
	provider   identity.Provider
	workspaces *workspace.Service
	directory  *directory.Service
	model      *llm.Client
	tools      *toolkit.Toolkit

	// Optional: nil cache means every snapshot read hits the provider,
	// nil logos means logo uploads are disabled.
	cache *session.Cache
	logos *logo.Storage
}

func New(cfg config.Config, db Pinger, provider identity.Provider, workspaces *workspace.Service, dir *directory.Service, model *llm.Client) *Service {
	return &Service{
		cfg:        cfg,
		db:         db,
		provider:   provider,
		workspaces: workspaces,
		directory:  dir,
		model:      model,
		tools:      toolkit.New(provider),
	}
}

func (s *Service) SetSnapshotCache(cache *session.Cache) { s.cache = cache }
func (s *Service) SetLogoStorage(storage *logo.Storage)  { s.logos = storage }

func (s *Service) WebhookToken() string { return s.cfg.IdentityWebhookToken }

// SnapshotForToken resolves a session token into one snapshot, consulting
// the cache first. An unknown or expired token yields a loaded, signed-out
// snapshot rather than an error; only provider unavailability errors.
func (s *Service) SnapshotForToken(ctx context.Context, token string) (identity.Snapshot, error) {
	tokenHash := session.HashToken(token)
	if s.cache != nil {
		if snapshot, ok, err := s.cache.Get(ctx, tokenHash); err == nil && ok {
			return snapshot, nil
		}
	}

	snapshot, err := s.provider.SessionSnapshot(ctx, token)
	if errors.Is(err, identity.ErrSessionInvalid) {
		snapshot = identity.Snapshot{Loaded: true, OrgLoaded: true}
	} else if err != nil {
		return identity.Snapshot{}, fmt.Errorf("resolve session: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, tokenHash, snapshot); err != nil {
			log.Printf("snapshot cache put failed: %v", err)
		}
	}
	return snapshot, nil
}

// InvalidateSnapshot drops the cached snapshot for a token after a
// mutation that changes session state, such as an organization switch.
func (s *Service) InvalidateSnapshot(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, session.HashToken(token)); err != nil {
		log.Printf("snapshot cache invalidate failed: %v", err)
	}
}

// SessionState returns the gate decision plus session identity for the
// introspection endpoint. A missing token is simply unauthenticated.
func (s *Service) SessionState(ctx context.Context, token string) (map[string]any, error) {
	if token == "" {
		decision := gate.Evaluate(identity.Snapshot{Loaded: true, OrgLoaded: true})
		return map[string]any{"state": decision.State, "authenticated": false, "redirect": decision.Redirect}, nil
	}
	snapshot, err := s.SnapshotForToken(ctx, token)
	if err != nil {
		// Provider unavailable: the session is not resolvable yet, which
		// is the loading state, not a denial.
		log.Printf("session state unresolved: %v", err)
		return map[string]any{"state": gate.StateLoading, "authenticated": false}, nil
	}
	decision := gate.Evaluate(snapshot)
	payload := map[string]any{"state": decision.State, "authenticated": snapshot.SignedIn}
	if decision.Redirect != "" {
		payload["redirect"] = decision.Redirect
	}
	if snapshot.SignedIn {
		payload["userId"] = snapshot.UserID
	}
	if snapshot.Organization != nil {
		payload["organization"] = snapshot.Organization
	}
	return payload, nil
}

// Branding is the public configuration payload served before sign-in.
func (s *Service) Branding() map[string]any {
	return map[string]any{
		"orgName":           s.cfg.BrandName(),
		"hasCustomBranding": s.cfg.HasCustomBranding(),
		"orgDomain":         s.cfg.OrgDomain,
		"logoUrl":           s.cfg.OrgLogoURL,
		"primaryColor":      s.cfg.OrgPrimaryColor,
		"publishableKey":    s.cfg.IdentityPublishable,
	}
}

func (s *Service) EnsureWorkspace(ctx context.Context, org identity.Organization) (store.Workspace, error) {
	return s.workspaces.Ensure(ctx, org)
}

func (s *Service) RenameWorkspace(ctx context.Context, orgID, name string) (workspace.RenameResult, error) {
	if strings.TrimSpace(name) == "" {
		return workspace.RenameResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.workspaces.Rename(ctx, orgID, name)
}

func (s *Service) WorkspaceMembers(ctx context.Context, orgID string) ([]identity.Membership, error) {
	members, err := s.provider.ListOrganizationMembers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list workspace members: %w", err)
	}
	return members, nil
}

func (s *Service) SearchDirectory(ctx context.Context, query string, limit int) directory.Response {
	return s.directory.Search(ctx, query, limit)
}

func (s *Service) UserOrganizations(ctx context.Context, userID string) ([]identity.Membership, error) {
	memberships, err := s.provider.ListMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return memberships, nil
}

// CreateOrganization creates the organization at the provider and
// provisions its workspace row immediately so the first dashboard load
// does not race the insert.
func (s *Service) CreateOrganization(ctx context.Context, name, userID string) (identity.Organization, error) {
	if strings.TrimSpace(name) == "" {
		return identity.Organization{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	org, err := s.provider.CreateOrganization(ctx, strings.TrimSpace(name), userID)
	if err != nil {
		return identity.Organization{}, fmt.Errorf("create organization: %w", err)
	}
	if _, err := s.workspaces.Ensure(ctx, org); err != nil {
		log.Printf("provision workspace for new organization %s failed: %v", org.ID, err)
	}
	return org, nil
}

func (s *Service) SwitchOrganization(ctx context.Context, token, orgID string) error {
	if strings.TrimSpace(orgID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "organizationId is required", nil)
	}
	if err := s.provider.SetActiveOrganization(ctx, token, orgID); err != nil {
		return fmt.Errorf("switch organization: %w", err)
	}
	s.InvalidateSnapshot(ctx, token)
	return nil
}

func (s *Service) InviteMember(ctx context.Context, orgID, email, role string) error {
	if strings.TrimSpace(email) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	if role == "" {
		role = "member"
	}
	if err := s.provider.CreateInvitation(ctx, orgID, email, role); err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// UploadLogo stores the image and points the identity provider's
// organization logo at it. Providers without the logo capability reject
// the operation; the stored object is removed again so storage never
// drifts ahead of the provider.
func (s *Service) UploadLogo(ctx context.Context, token, orgID, contentType string, body io.Reader, size int64) (string, error) {
	if s.logos == nil {
		return "", domainError(http.StatusServiceUnavailable, "LOGO_UNAVAILABLE", "Logo storage is not configured", nil)
	}
	if !logo.AllowedContentType(contentType) {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported image type", nil)
	}
	mutator, ok := s.provider.(identity.LogoMutator)
	if !ok {
		return "", domainError(http.StatusNotImplemented, "NOT_SUPPORTED", "The identity provider does not support logo changes", nil)
	}

	url, err := s.logos.Upload(ctx, orgID, contentType, body, size)
	if err != nil {
		return "", fmt.Errorf("upload logo: %w", err)
	}
	if err := mutator.SetOrganizationLogo(ctx, orgID, url); err != nil {
		if removeErr := s.logos.Remove(ctx, orgID); removeErr != nil {
			log.Printf("remove orphaned logo for %s failed: %v", orgID, removeErr)
		}
		return "", fmt.Errorf("set organization logo: %w", err)
	}
	s.InvalidateSnapshot(ctx, token)
	return url, nil
}

func (s *Service) RemoveLogo(ctx context.Context, token, orgID string) error {
	if s.logos == nil {
		return domainError(http.StatusServiceUnavailable, "LOGO_UNAVAILABLE", "Logo storage is not configured", nil)
	}
	mutator, ok := s.provider.(identity.LogoMutator)
	if !ok {
		return domainError(http.StatusNotImplemented, "NOT_SUPPORTED", "The identity provider does not support logo changes", nil)
	}
	if err := mutator.ClearOrganizationLogo(ctx, orgID); err != nil {
		return fmt.Errorf("clear organization logo: %w", err)
	}
	if err := s.logos.Remove(ctx, orgID); err != nil {
		log.Printf("remove stored logo for %s failed: %v", orgID, err)
	}
	s.InvalidateSnapshot(ctx, token)
	return nil
}

// HandleIdentityEvent applies a provider webhook delivery.
func (s *Service) HandleIdentityEvent(ctx context.Context, eventType string, data json.RawMessage) error {
	switch {
	case strings.HasPrefix(eventType, "organization."):
		var org identity.Organization
		if err := json.Unmarshal(data, &org); err != nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "malformed organization payload", nil)
		}
		if org.ID == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "organization id is required", nil)
		}
		return s.workspaces.HandleOrganizationEvent(ctx, eventType, org)
	case eventType == "session.ended" || eventType == "session.revoked":
		var payload struct {
			TokenHash string `json:"tokenHash"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.TokenHash == "" {
			return nil
		}
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, payload.TokenHash); err != nil {
				log.Printf("invalidate snapshot for ended session failed: %v", err)
			}
		}
		return nil
	default:
		// Unknown event types are acknowledged and ignored.
		return nil
	}
}

// RunToolBridge drives one bridge conversation: it streams model output
// through onDelta and executes requested tools between rounds, feeding
// results back until the model answers without tool calls.
func (s *Service) RunToolBridge(ctx context.Context, action string, messages []llm.Message, onDelta func(text string) error) error {
	if s.model == nil {
		return domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "The AI bridge is not configured", nil)
	}
	tools := s.tools.ForAction(action)
	defs := toolDefs(tools)

	conversation := make([]llm.Message, 0, len(messages)+1)
	conversation = append(conversation, llm.Message{Role: "system", Content: s.systemPrompt()})
	conversation = append(conversation, messages...)

	for round := 0; round < maxToolRounds; round++ {
		result, err := s.model.StreamChat(ctx, llm.Request{Messages: conversation, Tools: defs}, onDelta)
		if err != nil {
			return fmt.Errorf("stream completion: %w", err)
		}
		if len(result.ToolCalls) == 0 {
			return nil
		}

		conversation = append(conversation, llm.Message{Role: "assistant", ToolCalls: result.ToolCalls})
		for _, call := range result.ToolCalls {
			output, err := toolkit.Execute(ctx, tools, call.Function.Name, json.RawMessage(call.Function.Arguments))
			if err != nil {
				// The model sees the failure and can recover or apologize.
				output = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			conversation = append(conversation, llm.Message{Role: "tool", Content: output, ToolCallID: call.ID})
		}
	}
	return fmt.Errorf("tool conversation exceeded %d rounds", maxToolRounds)
}

func (s *Service) systemPrompt() string {
	return fmt.Sprintf(
		"You are the administrative assistant for %s. You help administrators manage users and organizations through the tools provided. Confirm destructive operations before executing them, and summarize what you changed after each tool call.",
		s.cfg.BrandName(),
	)
}

// toolDefs converts a tool subset into the wire format, sorted by name so
// the upstream payload is deterministic.
func toolDefs(tools map[string]toolkit.Tool) []llm.ToolDef {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		tool := tools[name]
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return defs
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not configured")
	}
	return s.db.Ping(ctx)
}

// Readiness reports per-dependency health for the readiness endpoint.
// Only the database is required; optional dependencies report their state
// without failing readiness.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true

	if err := s.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	if s.logos != nil {
		if err := s.logos.Ping(ctx); err != nil {
			checks["objectStorage"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["objectStorage"] = map[string]any{"status": "ok"}
		}
	}
	return ready, checks
}
