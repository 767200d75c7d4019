package appointment

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// ListFilter narrows ListAppointments. Zero values mean "any".
type ListFilter struct {
	PatientID      *uuid.UUID
	PractitionerID *uuid.UUID
	Date           *civil.Date
	Limit          int
	Offset         int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Repository contains all storage interactions needed by the service.
// Mutations that must be atomic together run through WithinTx.
type Repository interface {
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// For conflict checks: scheduled, confirmed and in_progress only.
	ListActiveByPractitionerDate(ctx context.Context, practitionerID uuid.UUID, date civil.Date) ([]Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)
	// No-show sweep: scheduled or confirmed appointments dated on or before date.
	ListOpenBefore(ctx context.Context, date civil.Date) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes a only if the stored status still equals from,
	// else ErrConcurrentUpdate.
	UpdateAppointment(ctx context.Context, a *Appointment, from AppointmentStatus) error

	GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error)
	GetActiveConsultation(ctx context.Context, appointmentID uuid.UUID) (*Consultation, error)
	InsertConsultation(ctx context.Context, c *Consultation) error
	UpdateConsultation(ctx context.Context, c *Consultation, from SessionStatus) error
	AttachGeneratedNotes(ctx context.Context, consultationID uuid.UUID, notes string, at time.Time) error

	InsertEvent(ctx context.Context, ev EventLog) error

	// WithinTx runs fn against a transactional view. fn's error rolls back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
