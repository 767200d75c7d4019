// Package events defines the facts the scheduling core emits after a
// committed mutation and the dispatcher that hands them to notification
// sinks.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	AppointmentBooked         Type = "appointment.booked"
	AppointmentConfirmed      Type = "appointment.confirmed"
	AppointmentCancelled      Type = "appointment.cancelled"
	AppointmentCompleted      Type = "appointment.completed"
	AppointmentNoShow         Type = "appointment.no_show"
	AppointmentRescheduled    Type = "appointment.rescheduled"
	SessionStarted            Type = "consultation.session_started"
	SessionEnded              Type = "consultation.session_ended"
	ConsultationNotesAttached Type = "consultation.notes_attached"
)

// DomainEvent is immutable once built. Delivery is at-least-once, so
// consumers deduplicate on ID.
type DomainEvent struct {
	ID             uuid.UUID      `json:"id"`
	Type           Type           `json:"type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	AppointmentID  uuid.UUID      `json:"appointment_id"`
	ConsultationID *uuid.UUID     `json:"consultation_id,omitempty"`
	PatientID      uuid.UUID      `json:"patient_id"`
	PractitionerID uuid.UUID      `json:"practitioner_id"`
	Data           map[string]any `json:"data,omitempty"`
}

func New(t Type, at time.Time, appointmentID, patientID, practitionerID uuid.UUID, data map[string]any) DomainEvent {
	return DomainEvent{
		ID:             uuid.New(),
		Type:           t,
		OccurredAt:     at.UTC(),
		AppointmentID:  appointmentID,
		PatientID:      patientID,
		PractitionerID: practitionerID,
		Data:           data,
	}
}

// WithConsultation returns a copy tagged with a consultation id.
func (e DomainEvent) WithConsultation(id uuid.UUID) DomainEvent {
	e.ConsultationID = &id
	return e
}

// CollaboratorError marks a failure in an external collaborator. It is
// never fatal to the core mutation that preceded it.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
