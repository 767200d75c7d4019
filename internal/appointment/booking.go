package appointment

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

// BookingRequest is made by a patient for themselves.
type BookingRequest struct {
	PractitionerID uuid.UUID
	Date           civil.Date
	StartTime      TimeOfDay
	EndTime        TimeOfDay
	Kind           ConsultationKind
	Reason         *string
	FacilityID     *uuid.UUID
	PatientNotes   *string
}

type RescheduleRequest struct {
	Date      civil.Date
	StartTime TimeOfDay
	EndTime   TimeOfDay
}

// AvailabilityQuery bounds an availability listing. A nil bound or a zero
// SlotMinutes takes the default of 09:00-17:00 in 30 minute slots; 00:00 is
// a valid explicit open.
type AvailabilityQuery struct {
	Open        *TimeOfDay
	Close       *TimeOfDay
	SlotMinutes int
}

const (
	defaultOpen        TimeOfDay = 9 * 60
	defaultClose       TimeOfDay = 17 * 60
	defaultSlotMinutes           = 30
)

// Book reserves a slot for the calling patient. The overlap check and the
// insert happen under the practitioner/date lock in one transaction, so two
// racing requests for overlapping slots cannot both succeed.
func (s *Service) Book(ctx context.Context, actor identity.Actor, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.book")
	span.SetAttributes(
		attribute.String("telehealth.practitioner_id", req.PractitionerID.String()),
		attribute.String("telehealth.date", req.Date.String()),
	)
	defer func() {
		s.metrics.ObserveBooking(outcome(err))
		finishSpan(span, err)
	}()

	if _, err = authorizeRole(actor, OpBook); err != nil {
		return nil, err
	}
	kind, err := ParseConsultationKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	slot := Slot{Date: req.Date, Start: req.StartTime, End: req.EndTime}
	if err = s.policy.validateSlot(slot, s.clock.Now(), s.loc); err != nil {
		return nil, err
	}
	if err = s.requireApproved(ctx, req.PractitionerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	a := &Appointment{
		ID:             uuid.New(),
		PatientID:      actor.SubjectID,
		PractitionerID: req.PractitionerID,
		FacilityID:     req.FacilityID,
		Date:           req.Date,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Kind:           kind,
		Status:         StatusScheduled,
		Reason:         req.Reason,
		PatientNotes:   req.PatientNotes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ev := events.New(events.AppointmentBooked, now, a.ID, a.PatientID, a.PractitionerID, slotData(a))

	err = s.withLock(ctx, practitionerKey(a.PractitionerID, a.Date), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			if err := s.reserve(ctx, tx, a); err != nil {
				return err
			}
			return s.recordEvent(ctx, tx, ev)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ev)
	s.logger.Info("appointment booked",
		"appointment_id", a.ID,
		"practitioner_id", a.PractitionerID,
		"date", a.Date.String(),
		"start_time", a.StartTime.String(),
	)
	return a, nil
}

// reserve rebuilds the availability index from the transaction's view and
// inserts a only if it fits.
func (s *Service) reserve(ctx context.Context, tx Repository, a *Appointment) error {
	active, err := tx.ListActiveByPractitionerDate(ctx, a.PractitionerID, a.Date)
	if err != nil {
		return fmt.Errorf("list active appointments: %w", err)
	}
	ix := NewAvailabilityIndex(active)
	if err := ix.Reserve(a.ID, a.StartTime, a.EndTime); err != nil {
		return err
	}
	if err := tx.InsertAppointment(ctx, a); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func slotData(a *Appointment) map[string]any {
	return map[string]any{
		"date":       a.Date.String(),
		"start_time": a.StartTime.String(),
		"end_time":   a.EndTime.String(),
		"kind":       string(a.Kind),
	}
}

// Reschedule cancels an open appointment and books its replacement in one
// transaction. The replacement keeps the kind, reason and notes of the
// original and points back at it.
func (s *Service) Reschedule(ctx context.Context, actor identity.Actor, id uuid.UUID, req RescheduleRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.reschedule")
	span.SetAttributes(attribute.String("telehealth.appointment_id", id.String()))
	defer func() {
		s.metrics.ObserveTransition("reschedule", outcome(err))
		finishSpan(span, err)
	}()

	scope, err := authorizeRole(actor, OpReschedule)
	if err != nil {
		return nil, err
	}
	orig, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = authorizeRecord(actor, scope, orig.PatientID, orig.PractitionerID); err != nil {
		return nil, err
	}
	if err = checkOpen(orig); err != nil {
		return nil, err
	}
	slot := Slot{Date: req.Date, Start: req.StartTime, End: req.EndTime}
	if err = s.policy.validateSlot(slot, s.clock.Now(), s.loc); err != nil {
		return nil, err
	}
	if err = s.requireApproved(ctx, orig.PractitionerID); err != nil {
		return nil, err
	}

	var evs []events.DomainEvent
	err = s.withLock(ctx, appointmentKey(id), func(ctx context.Context) error {
		return s.withLock(ctx, practitionerKey(orig.PractitionerID, req.Date), func(ctx context.Context) error {
			return s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
				cur, err := tx.GetAppointment(ctx, id)
				if err != nil {
					return err
				}
				if err := checkOpen(cur); err != nil {
					return err
				}

				now := s.clock.Now()
				role := actor.Role
				cancelled := *cur
				cancelled.Status = StatusCancelled
				cancelled.Cancellation = Cancellation{Reason: strPtr("rescheduled"), Initiator: &role}
				cancelled.UpdatedAt = now
				if err := tx.UpdateAppointment(ctx, &cancelled, cur.Status); err != nil {
					return fmt.Errorf("cancel original: %w", err)
				}

				next := &Appointment{
					ID:                uuid.New(),
					PatientID:         cur.PatientID,
					PractitionerID:    cur.PractitionerID,
					FacilityID:        cur.FacilityID,
					Date:              req.Date,
					StartTime:         req.StartTime,
					EndTime:           req.EndTime,
					Kind:              cur.Kind,
					Status:            StatusScheduled,
					Reason:            cur.Reason,
					PatientNotes:      cur.PatientNotes,
					RescheduledFromID: &cur.ID,
					CreatedAt:         now,
					UpdatedAt:         now,
				}
				if err := s.reserve(ctx, tx, next); err != nil {
					return err
				}

				cancelEv := events.New(events.AppointmentCancelled, now, cur.ID, cur.PatientID, cur.PractitionerID, map[string]any{
					"reason":    "rescheduled",
					"initiator": string(role),
				})
				data := slotData(next)
				data["rescheduled_from_id"] = cur.ID.String()
				rescheduledEv := events.New(events.AppointmentRescheduled, now, next.ID, next.PatientID, next.PractitionerID, data)
				for _, ev := range []events.DomainEvent{cancelEv, rescheduledEv} {
					if err := s.recordEvent(ctx, tx, ev); err != nil {
						return err
					}
				}
				evs = []events.DomainEvent{cancelEv, rescheduledEv}
				appt = next
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, evs...)
	s.logger.Info("appointment rescheduled", "from_id", id, "appointment_id", appt.ID)
	return appt, nil
}

func checkOpen(a *Appointment) error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: appointment is %s", ErrTerminalState, a.Status)
	}
	if a.Status != StatusScheduled && a.Status != StatusConfirmed {
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	return nil
}

// Availability lists bookable windows for a practitioner on date. Windows
// that would violate the lead time are left out.
func (s *Service) Availability(ctx context.Context, practitionerID uuid.UUID, date civil.Date, q AvailabilityQuery) ([]Window, error) {
	open, close := defaultOpen, defaultClose
	if q.Open != nil {
		open = *q.Open
	}
	if q.Close != nil {
		close = *q.Close
	}
	if q.SlotMinutes == 0 {
		q.SlotMinutes = defaultSlotMinutes
	}
	if !date.IsValid() {
		return nil, fmt.Errorf("%w: invalid date", ErrInvalidRange)
	}
	if open < 0 || close > EndOfDay || open >= close {
		return nil, fmt.Errorf("%w: open %s must be before close %s", ErrInvalidRange, open, close)
	}
	if q.SlotMinutes < 0 || (s.policy.MaxSlotMinutes > 0 && q.SlotMinutes > s.policy.MaxSlotMinutes) {
		return nil, fmt.Errorf("%w: slot length %d minutes", ErrInvalidRange, q.SlotMinutes)
	}
	if err := s.requireApproved(ctx, practitionerID); err != nil {
		return nil, err
	}

	active, err := s.repo.ListActiveByPractitionerDate(ctx, practitionerID, date)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	now := s.clock.Now()
	out := []Window{}
	for _, w := range NewAvailabilityIndex(active).FreeSlots(open, close, q.SlotMinutes) {
		slot := Slot{Date: date, Start: w.Start, End: w.End}
		if s.policy.validateSlot(slot, now, s.loc) == nil {
			out = append(out, w)
		}
	}
	return out, nil
}
