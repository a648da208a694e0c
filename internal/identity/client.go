package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Client talks to the provider's backend REST API with the instance secret
// key. Transient failures (network errors, 5xx) are retried with
// exponential backoff; 4xx responses are returned immediately.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	maxWait   time.Duration
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
		maxWait:   8 * time.Second,
	}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// do performs one API call, retrying transient failures, and decodes the
// response body into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		payload = encoded
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.maxWait

	var result []byte
	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &retryableError{err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &retryableError{err: err}
		}
		if resp.StatusCode >= 500 {
			return &retryableError{err: &ProviderError{Op: op, Status: resp.StatusCode}}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
			if op == "session snapshot" {
				return backoff.Permanent(ErrSessionInvalid)
			}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&ProviderError{Op: op, Status: resp.StatusCode})
		}
		result = data
		return nil
	}

	if err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return attempt()
	}, bo); err != nil {
		var retryable *retryableError
		if errors.As(err, &retryable) {
			return &ProviderError{Op: op, Err: retryable.err}
		}
		return err
	}

	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type sessionResponse struct {
	Status       string        `json:"status"`
	UserID       string        `json:"userId"`
	Organization *Organization `json:"organization"`
}

func (c *Client) SessionSnapshot(ctx context.Context, sessionToken string) (Snapshot, error) {
	var resp sessionResponse
	err := c.do(ctx, "session snapshot", http.MethodGet, "/sessions/"+url.PathEscape(sessionToken), nil, &resp)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{Loaded: true, OrgLoaded: true}
	if resp.Status != "active" {
		return snapshot, nil
	}
	snapshot.SignedIn = true
	snapshot.UserID = resp.UserID
	snapshot.Organization = resp.Organization
	return snapshot, nil
}

func (c *Client) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	err := c.do(ctx, "get organization", http.MethodGet, "/organizations/"+url.PathEscape(orgID), nil, &org)
	return org, err
}

func (c *Client) RenameOrganization(ctx context.Context, orgID, name string) (Organization, error) {
	var org Organization
	err := c.do(ctx, "rename organization", http.MethodPatch, "/organizations/"+url.PathEscape(orgID),
		map[string]string{"name": name}, &org)
	return org, err
}

func (c *Client) DeleteOrganization(ctx context.Context, orgID string) error {
	return c.do(ctx, "delete organization", http.MethodDelete, "/organizations/"+url.PathEscape(orgID), nil, nil)
}

func (c *Client) CreateOrganization(ctx context.Context, name, createdBy string) (Organization, error) {
	var org Organization
	err := c.do(ctx, "create organization", http.MethodPost, "/organizations",
		map[string]string{"name": name, "createdBy": createdBy}, &org)
	return org, err
}

func (c *Client) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	var resp struct {
		Data []Membership `json:"data"`
	}
	err := c.do(ctx, "list memberships", http.MethodGet, "/users/"+url.PathEscape(userID)+"/organization_memberships", nil, &resp)
	return resp.Data, err
}

func (c *Client) ListOrganizationMembers(ctx context.Context, orgID string) ([]Membership, error) {
	var resp struct {
		Data []Membership `json:"data"`
	}
	err := c.do(ctx, "list organization members", http.MethodGet, "/organizations/"+url.PathEscape(orgID)+"/memberships", nil, &resp)
	return resp.Data, err
}

func (c *Client) SetActiveOrganization(ctx context.Context, sessionToken, orgID string) error {
	return c.do(ctx, "switch organization", http.MethodPost, "/sessions/"+url.PathEscape(sessionToken)+"/touch",
		map[string]string{"activeOrganizationId": orgID}, nil)
}

func (c *Client) CreateInvitation(ctx context.Context, orgID, email, role string) error {
	return c.do(ctx, "create invitation", http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/invitations",
		map[string]string{"emailAddress": email, "role": role}, nil)
}

func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := c.do(ctx, "get user", http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user)
	return user, err
}

func (c *Client) ListUsers(ctx context.Context, query string) ([]User, error) {
	path := "/users"
	if query != "" {
		path += "?query=" + url.QueryEscape(query)
	}
	var users []User
	err := c.do(ctx, "list users", http.MethodGet, path, nil, &users)
	return users, err
}

func (c *Client) UpdateUser(ctx context.Context, userID, firstName, lastName string) (User, error) {
	var user User
	err := c.do(ctx, "update user", http.MethodPatch, "/users/"+url.PathEscape(userID),
		map[string]string{"firstName": firstName, "lastName": lastName}, &user)
	return user, err
}

func (c *Client) CreateUser(ctx context.Context, email, firstName, lastName string) (User, error) {
	var user User
	err := c.do(ctx, "create user", http.MethodPost, "/users",
		map[string]string{"emailAddress": email, "firstName": firstName, "lastName": lastName}, &user)
	return user, err
}

// SetOrganizationLogo implements the optional LogoMutator capability.
func (c *Client) SetOrganizationLogo(ctx context.Context, orgID, imageURL string) error {
	return c.do(ctx, "set organization logo", http.MethodPut, "/organizations/"+url.PathEscape(orgID)+"/logo",
		map[string]string{"imageUrl": imageURL}, nil)
}

// ClearOrganizationLogo implements the optional LogoMutator capability.
func (c *Client) ClearOrganizationLogo(ctx context.Context, orgID string) error {
	return c.do(ctx, "clear organization logo", http.MethodDelete, "/organizations/"+url.PathEscape(orgID)+"/logo", nil, nil)
}

var _ Provider = (*Client)(nil)
var _ LogoMutator = (*Client)(nil)
