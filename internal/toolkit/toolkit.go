// Package toolkit exposes identity-provider management operations as
// model-invokable tools for the AI tool bridge. The bridge hands the model
// only the subset selected by the request's action.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Obulo/starter-kit/internal/identity"
)

const (
	ActionUserManagement = "user_management"
	ActionOrgManagement  = "org_management"
	ActionFullAccess     = "full_access"
)

// Tool is one capability the model may invoke. Parameters is a JSON
// schema object describing the arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	run         func(ctx context.Context, args json.RawMessage) (any, error)
}

type Toolkit struct {
	provider identity.Provider
}

func New(provider identity.Provider) *Toolkit {
	return &Toolkit{provider: provider}
}

// ForAction returns the capability subset for an action. Unknown actions
// get all tools.
func (t *Toolkit) ForAction(action string) map[string]Tool {
	switch action {
	case ActionUserManagement:
		return t.Users()
	case ActionOrgManagement:
		return t.Organizations()
	case ActionFullAccess:
		return merge(t.Users(), t.Organizations())
	default:
		return t.All()
	}
}

// All returns every tool the bridge can expose.
func (t *Toolkit) All() map[string]Tool {
	return merge(t.Users(), t.Organizations())
}

// Users returns the user-management tools.
func (t *Toolkit) Users() map[string]Tool {
	return toolMap(
		Tool{
			Name:        "get_user",
			Description: "Fetch a user by id.",
			Parameters:  schema(`{"userId":{"type":"string","description":"The user id"}}`, "userId"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					UserID string `json:"userId"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.GetUser(ctx, in.UserID)
			},
		},
		Tool{
			Name:        "search_users",
			Description: "List users, optionally filtered by a search query.",
			Parameters:  schema(`{"query":{"type":"string","description":"Search query, may be empty"}}`),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Query string `json:"query"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.ListUsers(ctx, in.Query)
			},
		},
		Tool{
			Name:        "update_user",
			Description: "Update a user's first and last name.",
			Parameters:  schema(`{"userId":{"type":"string"},"firstName":{"type":"string"},"lastName":{"type":"string"}}`, "userId"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					UserID    string `json:"userId"`
					FirstName string `json:"firstName"`
					LastName  string `json:"lastName"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.UpdateUser(ctx, in.UserID, in.FirstName, in.LastName)
			},
		},
		Tool{
			Name:        "create_user",
			Description: "Create a user from an email address and name.",
			Parameters:  schema(`{"email":{"type":"string"},"firstName":{"type":"string"},"lastName":{"type":"string"}}`, "email"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Email     string `json:"email"`
					FirstName string `json:"firstName"`
					LastName  string `json:"lastName"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.CreateUser(ctx, in.Email, in.FirstName, in.LastName)
			},
		},
	)
}

// Organizations returns the organization-management tools.
func (t *Toolkit) Organizations() map[string]Tool {
	return toolMap(
		Tool{
			Name:        "get_organization",
			Description: "Fetch an organization by id.",
			Parameters:  schema(`{"organizationId":{"type":"string"}}`, "organizationId"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					OrganizationID string `json:"organizationId"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.GetOrganization(ctx, in.OrganizationID)
			},
		},
		Tool{
			Name:        "create_organization",
			Description: "Create an organization with the given name.",
			Parameters:  schema(`{"name":{"type":"string"},"createdBy":{"type":"string","description":"User id of the creator"}}`, "name"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Name      string `json:"name"`
					CreatedBy string `json:"createdBy"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.CreateOrganization(ctx, in.Name, in.CreatedBy)
			},
		},
		Tool{
			Name:        "update_organization",
			Description: "Rename an organization.",
			Parameters:  schema(`{"organizationId":{"type":"string"},"name":{"type":"string"}}`, "organizationId", "name"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					OrganizationID string `json:"organizationId"`
					Name           string `json:"name"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.RenameOrganization(ctx, in.OrganizationID, in.Name)
			},
		},
		Tool{
			Name:        "delete_organization",
			Description: "Delete an organization permanently.",
			Parameters:  schema(`{"organizationId":{"type":"string"}}`, "organizationId"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					OrganizationID string `json:"organizationId"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				if err := t.provider.DeleteOrganization(ctx, in.OrganizationID); err != nil {
					return nil, err
				}
				return map[string]string{"status": "deleted"}, nil
			},
		},
		Tool{
			Name:        "list_organization_memberships",
			Description: "List the members of an organization with their roles.",
			Parameters:  schema(`{"organizationId":{"type":"string"}}`, "organizationId"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					OrganizationID string `json:"organizationId"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				return t.provider.ListOrganizationMembers(ctx, in.OrganizationID)
			},
		},
		Tool{
			Name:        "create_invitation",
			Description: "Invite an email address into an organization.",
			Parameters:  schema(`{"organizationId":{"type":"string"},"email":{"type":"string"},"role":{"type":"string","description":"Membership role, e.g. member or admin"}}`, "organizationId", "email"),
			run: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					OrganizationID string `json:"organizationId"`
					Email          string `json:"email"`
					Role           string `json:"role"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
				if in.Role == "" {
					in.Role = "member"
				}
				if err := t.provider.CreateInvitation(ctx, in.OrganizationID, in.Email, in.Role); err != nil {
					return nil, err
				}
				return map[string]string{"status": "invited", "email": in.Email}, nil
			},
		},
	)
}

// Execute runs one tool from the set and returns its JSON-encoded result.
func Execute(ctx context.Context, tools map[string]Tool, name string, args json.RawMessage) (string, error) {
	tool, ok := tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := tool.run(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool %s result: %w", name, err)
	}
	return string(encoded), nil
}

func toolMap(tools ...Tool) map[string]Tool {
	out := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		out[tool.Name] = tool
	}
	return out
}

func merge(sets ...map[string]Tool) map[string]Tool {
	out := map[string]Tool{}
	for _, set := range sets {
		for name, tool := range set {
			out[name] = tool
		}
	}
	return out
}

func schema(properties string, required ...string) json.RawMessage {
	requiredJSON, _ := json.Marshal(required)
	if required == nil {
		requiredJSON = []byte(`[]`)
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s,"required":%s}`, properties, requiredJSON))
}
