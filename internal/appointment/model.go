package appointment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// Blocking reports whether an appointment in this status occupies its slot.
func (s AppointmentStatus) Blocking() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress:
		return true
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	st := AppointmentStatus(s)
	if st.Blocking() || st.Terminal() {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown appointment status %q", ErrValidation, s)
}

type SessionStatus string

const (
	SessionScheduled  SessionStatus = "scheduled"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionMissed     SessionStatus = "missed"
	SessionCancelled  SessionStatus = "cancelled"
)

type ConsultationKind string

const (
	KindVideo    ConsultationKind = "video"
	KindAudio    ConsultationKind = "audio"
	KindInPerson ConsultationKind = "in_person"
	KindChat     ConsultationKind = "chat"
)

func ParseConsultationKind(s string) (ConsultationKind, error) {
	switch k := ConsultationKind(strings.ToLower(s)); k {
	case KindVideo, KindAudio, KindInPerson, KindChat:
		return k, nil
	case "in-person":
		return KindInPerson, nil
	}
	return "", fmt.Errorf("%w: unknown consultation kind %q", ErrValidation, s)
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// TimeOfDay is a local wall-clock time in whole minutes since midnight.
// 24:00 is allowed as an end bound.
type TimeOfDay int

const minutesPerDay = 24 * 60

// EndOfDay is 24:00.
const EndOfDay TimeOfDay = minutesPerDay

// ParseTimeOfDay accepts "HH:MM". Anything finer than a minute is rejected.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || !twoDigits(hh) || !twoDigits(mm) {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRange, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRange, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRange, s)
	}
	t := TimeOfDay(h*60 + m)
	if h < 0 || m < 0 || m > 59 || t > EndOfDay {
		return 0, fmt.Errorf("%w: time %q out of range", ErrInvalidRange, s)
	}
	return t, nil
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

func MustTime(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Slot is a half-open interval [Start, End) on Date.
type Slot struct {
	Date  civil.Date `json:"date"`
	Start TimeOfDay  `json:"start_time"`
	End   TimeOfDay  `json:"end_time"`
}

func (s Slot) Minutes() int { return int(s.End - s.Start) }

// StartsAt converts the slot start to an instant in loc.
func (s Slot) StartsAt(loc *time.Location) time.Time {
	return atTime(s.Date, s.Start, loc)
}

func (s Slot) EndsAt(loc *time.Location) time.Time {
	return atTime(s.Date, s.End, loc)
}

func atTime(d civil.Date, t TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, int(t)/60, int(t)%60, 0, 0, loc)
}

// Overlaps uses half-open semantics: touching slots do not overlap.
func Overlaps(s1, e1, s2, e2 TimeOfDay) bool {
	return s1 < e2 && s2 < e1
}

type FollowUp struct {
	Required bool        `json:"required"`
	Date     *civil.Date `json:"date,omitempty"`
	Notes    *string     `json:"notes,omitempty"`
}

type Cancellation struct {
	Reason    *string        `json:"reason,omitempty"`
	Initiator *identity.Role `json:"initiator,omitempty"`
}

type Practitioner struct {
	ID             uuid.UUID
	Name           string
	Specialty      *string
	ApprovalStatus ApprovalStatus
}

type Appointment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	PractitionerID    uuid.UUID
	FacilityID        *uuid.UUID
	Date              civil.Date
	StartTime         TimeOfDay
	EndTime           TimeOfDay
	Kind              ConsultationKind
	Status            AppointmentStatus
	Reason            *string
	PractitionerNotes *string
	PatientNotes      *string
	FollowUp          FollowUp
	Cancellation      Cancellation
	RescheduledFromID *uuid.UUID
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a *Appointment) Slot() Slot {
	return Slot{Date: a.Date, Start: a.StartTime, End: a.EndTime}
}

type Consultation struct {
	ID              uuid.UUID
	AppointmentID   uuid.UUID
	SessionHandle   string
	PractitionerID  uuid.UUID
	PatientID       uuid.UUID
	Kind            ConsultationKind
	Status          SessionStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationMinutes *int
	SessionNotes    *string
	GeneratedNotes  *string
	FollowUp        FollowUp
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventLog is the audit row written in the same transaction as a mutation.
type EventLog struct {
	ID             int64
	EventType      string
	AppointmentID  *uuid.UUID
	ConsultationID *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
