package api

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
)

type BookAppointmentRequest struct {
	PractitionerID   string  `json:"practitioner_id"`
	Date             string  `json:"date"`
	StartTime        string  `json:"start_time"`
	EndTime          string  `json:"end_time"`
	ConsultationKind string  `json:"consultation_kind"`
	Reason           *string `json:"reason,omitempty"`
	FacilityID       *string `json:"facility_id,omitempty"`
	PatientNotes     *string `json:"patient_notes,omitempty"`
}

type RescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type FollowUpPayload struct {
	Required bool    `json:"required"`
	Date     *string `json:"date,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// TransitionRequest is the optional body of confirm, cancel, complete and
// no-show. Fields irrelevant to the action are ignored.
type TransitionRequest struct {
	Reason            *string          `json:"reason,omitempty"`
	PractitionerNotes *string          `json:"practitioner_notes,omitempty"`
	FollowUp          *FollowUpPayload `json:"follow_up,omitempty"`
}

type StartSessionRequest struct {
	AppointmentID    string `json:"appointment_id"`
	ConsultationKind string `json:"consultation_kind,omitempty"`
}

type EndSessionRequest struct {
	SessionNotes *string          `json:"session_notes,omitempty"`
	FollowUp     *FollowUpPayload `json:"follow_up,omitempty"`
}

type CancellationResponse struct {
	Reason    *string `json:"reason,omitempty"`
	Initiator *string `json:"initiator,omitempty"`
}

type AppointmentResponse struct {
	ID                uuid.UUID             `json:"id"`
	PatientID         uuid.UUID             `json:"patient_id"`
	PractitionerID    uuid.UUID             `json:"practitioner_id"`
	FacilityID        *uuid.UUID            `json:"facility_id,omitempty"`
	Date              civil.Date            `json:"date"`
	StartTime         string                `json:"start_time"`
	EndTime           string                `json:"end_time"`
	ConsultationKind  string                `json:"consultation_kind"`
	Status            string                `json:"status"`
	Reason            *string               `json:"reason,omitempty"`
	PractitionerNotes *string               `json:"practitioner_notes,omitempty"`
	PatientNotes      *string               `json:"patient_notes,omitempty"`
	FollowUp          appointment.FollowUp  `json:"follow_up"`
	Cancellation      *CancellationResponse `json:"cancellation,omitempty"`
	RescheduledFromID *uuid.UUID            `json:"rescheduled_from_id,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                a.ID,
		PatientID:         a.PatientID,
		PractitionerID:    a.PractitionerID,
		FacilityID:        a.FacilityID,
		Date:              a.Date,
		StartTime:         a.StartTime.String(),
		EndTime:           a.EndTime.String(),
		ConsultationKind:  string(a.Kind),
		Status:            string(a.Status),
		Reason:            a.Reason,
		PractitionerNotes: a.PractitionerNotes,
		PatientNotes:      a.PatientNotes,
		FollowUp:          a.FollowUp,
		RescheduledFromID: a.RescheduledFromID,
		CompletedAt:       a.CompletedAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if a.Cancellation.Reason != nil || a.Cancellation.Initiator != nil {
		c := &CancellationResponse{Reason: a.Cancellation.Reason}
		if a.Cancellation.Initiator != nil {
			role := string(*a.Cancellation.Initiator)
			c.Initiator = &role
		}
		resp.Cancellation = c
	}
	return resp
}

type AppointmentListResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type ConsultationResponse struct {
	ID              uuid.UUID            `json:"id"`
	AppointmentID   uuid.UUID            `json:"appointment_id"`
	SessionHandle   string               `json:"session_handle"`
	PractitionerID  uuid.UUID            `json:"practitioner_id"`
	PatientID       uuid.UUID            `json:"patient_id"`
	Kind            string               `json:"kind"`
	Status          string               `json:"status"`
	StartedAt       time.Time            `json:"started_at"`
	EndedAt         *time.Time           `json:"ended_at,omitempty"`
	DurationMinutes *int                 `json:"duration_minutes,omitempty"`
	SessionNotes    *string              `json:"session_notes,omitempty"`
	GeneratedNotes  *string              `json:"generated_notes,omitempty"`
	FollowUp        appointment.FollowUp `json:"follow_up"`
}

func toConsultationResponse(c *appointment.Consultation) ConsultationResponse {
	return ConsultationResponse{
		ID:              c.ID,
		AppointmentID:   c.AppointmentID,
		SessionHandle:   c.SessionHandle,
		PractitionerID:  c.PractitionerID,
		PatientID:       c.PatientID,
		Kind:            string(c.Kind),
		Status:          string(c.Status),
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		DurationMinutes: c.DurationMinutes,
		SessionNotes:    c.SessionNotes,
		GeneratedNotes:  c.GeneratedNotes,
		FollowUp:        c.FollowUp,
	}
}

type AvailabilityResponse struct {
	PractitionerID uuid.UUID            `json:"practitioner_id"`
	Date           civil.Date           `json:"date"`
	SlotMinutes    int                  `json:"slot_minutes"`
	Slots          []appointment.Window `json:"slots"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
