// Package session keeps a local "who is signed in" value in step with an
// identity provider that offers both a one-shot query and a push feed.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/sakif/discord-notify/internal/model"
)

// Kind tags a State.
type Kind int

const (
	// Unresolved is the initial state: neither source has answered yet.
	Unresolved Kind = iota
	// Authenticated means State.Identity is the signed-in principal.
	Authenticated
	// Anonymous means the session is signed out, or the provider could not
	// tell (a failed one-shot query resolves here).
	Anonymous
)

func (k Kind) String() string {
	switch k {
	case Unresolved:
		return "unresolved"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "unresolved":
		return Unresolved, nil
	case "authenticated":
		return Authenticated, nil
	case "anonymous":
		return Anonymous, nil
	}
	return Unresolved, fmt.Errorf("session: unknown state %q", s)
}

// State is the observer's current value. Identity is non-nil only when Kind
// is Authenticated.
type State struct {
	Kind     Kind
	Identity *model.Identity
}

// StateFor maps a provider answer to a State: nil means Anonymous.
func StateFor(id *model.Identity) State {
	if id == nil {
		return State{Kind: Anonymous}
	}
	return State{Kind: Authenticated, Identity: id}
}

// IdentityID returns the principal's id, or "" unless Authenticated.
func (s State) IdentityID() string {
	if s.Kind != Authenticated || s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

func (s State) String() string {
	if s.Kind == Authenticated && s.Identity != nil {
		return fmt.Sprintf("authenticated(%s)", s.Identity.Login)
	}
	return s.Kind.String()
}

// wireState is the JSON shape pushed to browsers and the CLI:
//
//	{"state":"authenticated","identity":{"id":"...","login":"octocat"}}
type wireState struct {
	State    string          `json:"state"`
	Identity *model.Identity `json:"identity,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	w := wireState{State: s.Kind.String()}
	if s.Kind == Authenticated {
		w.Identity = s.Identity
	}
	return json.Marshal(w)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w wireState
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	k, err := parseKind(w.State)
	if err != nil {
		return err
	}
	if k == Authenticated && w.Identity == nil {
		return fmt.Errorf("session: authenticated state without identity")
	}
	s.Kind = k
	s.Identity = nil
	if k == Authenticated {
		s.Identity = w.Identity
	}
	return nil
}
