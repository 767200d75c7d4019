// Package identity carries the authenticated actor through a request. The
// scheduling core never authenticates anyone itself; it trusts what the auth
// collaborator put into the context.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleAdmin        Role = "admin"
)

var ErrUnknownRole = errors.New("unknown role")

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatient, RolePractitioner, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Actor is the IdentityContext an operation runs under.
type Actor struct {
	SubjectID uuid.UUID
	Role      Role
}

// System is the admin identity used for system-initiated actions such as
// the no-show sweep.
var System = Actor{
	SubjectID: uuid.MustParse("00000000-0000-0000-0000-00000000a0a0"),
	Role:      RoleAdmin,
}

func (a Actor) Valid() bool {
	if a.SubjectID == uuid.Nil {
		return false
	}
	_, err := ParseRole(string(a.Role))
	return err == nil
}

type contextKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}
