// Package gate decides whether a session may reach protected content.
package gate

import "github.com/Obulo/starter-kit/internal/identity"

type State string

const (
	// StateLoading means session or organization data is not loaded yet.
	// It is a suspension state: no navigation decision is made.
	StateLoading State = "loading"

	StateUnauthenticated State = "unauthenticated"
	StateNoOrganization  State = "no_organization"
	StateAuthorized      State = "authorized"
)

const (
	SignInPath    = "/sign-in"
	SelectOrgPath = "/select-org"
)

// Decision is a terminal gate outcome plus the fallback screen, when any.
type Decision struct {
	State    State  `json:"state"`
	Redirect string `json:"redirect,omitempty"`
}

// Evaluate checks one snapshot against the gate conditions in strict
// order; the first unmet condition wins. It holds the whole snapshot for
// the duration of the evaluation, so the four checks can never interleave
// stale and fresh data.
func Evaluate(s identity.Snapshot) Decision {
	if !s.Loaded || !s.OrgLoaded {
		return Decision{State: StateLoading}
	}
	if !s.SignedIn {
		return Decision{State: StateUnauthenticated, Redirect: SignInPath}
	}
	if s.Organization == nil {
		return Decision{State: StateNoOrganization, Redirect: SelectOrgPath}
	}
	return Decision{State: StateAuthorized}
}

// Authorized reports whether the snapshot reaches protected content.
func Authorized(s identity.Snapshot) bool {
	return Evaluate(s).State == StateAuthorized
}
