package appointment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

type Operation string

const (
	OpBook         Operation = "book"
	OpConfirm      Operation = "confirm"
	OpCancel       Operation = "cancel"
	OpComplete     Operation = "complete"
	OpNoShow       Operation = "no_show"
	OpReschedule   Operation = "reschedule"
	OpStartSession Operation = "start_session"
	OpEndSession   Operation = "end_session"
	OpView         Operation = "view"
)

// Scope is how much of the record space a role may touch for an operation.
type Scope int

const (
	ScopeDeny Scope = iota
	ScopeOwn
	ScopeAny
)

// rules is the only place role policy lives. A missing entry is a deny.
var rules = map[Operation]map[identity.Role]Scope{
	OpBook:         {identity.RolePatient: ScopeOwn},
	OpConfirm:      {identity.RolePractitioner: ScopeOwn},
	OpCancel:       {identity.RolePatient: ScopeOwn, identity.RolePractitioner: ScopeOwn, identity.RoleAdmin: ScopeAny},
	OpComplete:     {identity.RolePractitioner: ScopeOwn},
	OpNoShow:       {identity.RoleAdmin: ScopeAny},
	OpReschedule:   {identity.RolePatient: ScopeOwn, identity.RolePractitioner: ScopeOwn, identity.RoleAdmin: ScopeAny},
	OpStartSession: {identity.RolePractitioner: ScopeOwn},
	OpEndSession:   {identity.RolePractitioner: ScopeOwn},
	OpView:         {identity.RolePatient: ScopeOwn, identity.RolePractitioner: ScopeOwn, identity.RoleAdmin: ScopeAny},
}

// authorizeRole is consulted before any record is loaded.
func authorizeRole(actor identity.Actor, op Operation) (Scope, error) {
	if !actor.Valid() {
		return ScopeDeny, ErrForbidden
	}
	scope := rules[op][actor.Role]
	if scope == ScopeDeny {
		return ScopeDeny, fmt.Errorf("%w: %s", ErrForbidden, op)
	}
	return scope, nil
}

// authorizeRecord applies an own scope to a loaded record: patients must be
// the record's patient, practitioners its practitioner.
func authorizeRecord(actor identity.Actor, scope Scope, patientID, practitionerID uuid.UUID) error {
	switch scope {
	case ScopeAny:
		return nil
	case ScopeOwn:
		switch actor.Role {
		case identity.RolePatient:
			if actor.SubjectID == patientID {
				return nil
			}
		case identity.RolePractitioner:
			if actor.SubjectID == practitionerID {
				return nil
			}
		}
	}
	return ErrForbidden
}

// Allowed reports whether role may perform op on some record. Handlers use it
// to reject early; the service re-checks regardless.
func Allowed(role identity.Role, op Operation) bool {
	return rules[op][role] != ScopeDeny
}
