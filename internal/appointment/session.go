package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

type EndSessionRequest struct {
	SessionNotes *string
	FollowUp     *FollowUp
}

// StartSession opens the consultation for an appointment and moves the
// appointment to in_progress, confirming it implicitly. kind may be empty
// to reuse the appointment's kind.
func (s *Service) StartSession(ctx context.Context, appointmentID uuid.UUID, actor identity.Actor, kind ConsultationKind) (out *Consultation, err error) {
	ctx, span := tracer.Start(ctx, "consultation.start")
	span.SetAttributes(attribute.String("telehealth.appointment_id", appointmentID.String()))
	defer func() {
		s.metrics.ObserveSession("start", outcome(err))
		finishSpan(span, err)
	}()

	scope, err := authorizeRole(actor, OpStartSession)
	if err != nil {
		return nil, err
	}
	if kind != "" {
		if kind, err = ParseConsultationKind(string(kind)); err != nil {
			return nil, err
		}
	}

	var ev events.DomainEvent
	err = s.withLock(ctx, appointmentKey(appointmentID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			a, err := tx.GetAppointment(ctx, appointmentID)
			if err != nil {
				return err
			}
			if err := authorizeRecord(actor, scope, a.PatientID, a.PractitionerID); err != nil {
				return err
			}
			if _, err := tx.GetActiveConsultation(ctx, appointmentID); err == nil {
				return ErrSessionInProgress
			} else if !errors.Is(err, ErrConsultationNotFound) {
				return fmt.Errorf("load active consultation: %w", err)
			}
			if err := checkOpen(a); err != nil {
				return err
			}

			k := kind
			if k == "" {
				k = a.Kind
			}
			handle, err := s.transport.OpenSession(ctx, *a, k)
			if err != nil {
				return fmt.Errorf("open session: %w", &events.CollaboratorError{Collaborator: "session_transport", Err: err})
			}

			now := s.clock.Now()
			c := &Consultation{
				ID:             uuid.New(),
				AppointmentID:  a.ID,
				SessionHandle:  handle,
				PractitionerID: a.PractitionerID,
				PatientID:      a.PatientID,
				Kind:           k,
				Status:         SessionInProgress,
				StartedAt:      now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertConsultation(ctx, c); err != nil {
				return fmt.Errorf("insert consultation: %w", err)
			}

			next := *a
			next.Status = StatusInProgress
			next.UpdatedAt = now
			if err := tx.UpdateAppointment(ctx, &next, a.Status); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}

			ev = events.New(events.SessionStarted, now, a.ID, a.PatientID, a.PractitionerID, map[string]any{
				"kind":           string(k),
				"session_handle": handle,
			}).WithConsultation(c.ID)
			if err := s.recordEvent(ctx, tx, ev); err != nil {
				return err
			}
			out = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ev)
	s.logger.Info("session started", "appointment_id", appointmentID, "consultation_id", out.ID)
	return out, nil
}

// EndSession completes the consultation and its appointment together.
// Notes generation, if configured, runs afterwards in the background.
func (s *Service) EndSession(ctx context.Context, consultationID uuid.UUID, actor identity.Actor, req EndSessionRequest) (out *Consultation, err error) {
	ctx, span := tracer.Start(ctx, "consultation.end")
	span.SetAttributes(attribute.String("telehealth.consultation_id", consultationID.String()))
	defer func() {
		s.metrics.ObserveSession("end", outcome(err))
		finishSpan(span, err)
	}()

	scope, err := authorizeRole(actor, OpEndSession)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if err = authorizeRecord(actor, scope, c.PatientID, c.PractitionerID); err != nil {
		return nil, err
	}

	var evs []events.DomainEvent
	err = s.withLock(ctx, appointmentKey(c.AppointmentID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			cur, err := tx.GetConsultation(ctx, consultationID)
			if err != nil {
				return err
			}
			if cur.Status != SessionInProgress {
				return fmt.Errorf("%w: consultation is %s", ErrTerminalState, cur.Status)
			}
			a, err := tx.GetAppointment(ctx, cur.AppointmentID)
			if err != nil {
				return err
			}
			if a.Status != StatusInProgress {
				return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
			}

			now := s.clock.Now()
			minutes := sessionMinutes(cur.StartedAt, now)
			ended := *cur
			ended.Status = SessionCompleted
			ended.EndedAt = &now
			ended.DurationMinutes = &minutes
			ended.UpdatedAt = now
			if req.SessionNotes != nil {
				ended.SessionNotes = req.SessionNotes
			}
			if req.FollowUp != nil {
				ended.FollowUp = FollowUp{Required: req.FollowUp.Required, Notes: req.FollowUp.Notes}
			}
			if err := tx.UpdateConsultation(ctx, &ended, SessionInProgress); err != nil {
				return fmt.Errorf("update consultation: %w", err)
			}

			next := *a
			next.Status = StatusCompleted
			next.CompletedAt = &now
			next.UpdatedAt = now
			if req.SessionNotes != nil {
				next.PractitionerNotes = req.SessionNotes
			}
			if req.FollowUp != nil {
				next.FollowUp = *req.FollowUp
			}
			if err := tx.UpdateAppointment(ctx, &next, StatusInProgress); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}

			evs = []events.DomainEvent{
				events.New(events.SessionEnded, now, a.ID, a.PatientID, a.PractitionerID, map[string]any{
					"duration_minutes": minutes,
				}).WithConsultation(ended.ID),
				events.New(events.AppointmentCompleted, now, a.ID, a.PatientID, a.PractitionerID, map[string]any{
					"from":                     string(StatusInProgress),
					"to":                       string(StatusCompleted),
					"practitionerCounterDelta": 1,
				}).WithConsultation(ended.ID),
			}
			for _, ev := range evs {
				if err := s.recordEvent(ctx, tx, ev); err != nil {
					return err
				}
			}
			out = &ended
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, evs...)
	s.metrics.ObserveSessionDuration(*out.DurationMinutes)
	s.generateNotes(ctx, *out)
	s.logger.Info("session ended",
		"consultation_id", out.ID,
		"appointment_id", out.AppointmentID,
		"duration_minutes", *out.DurationMinutes,
	)
	return out, nil
}

// generateNotes runs the notes generator detached from the request. The
// outcome is only ever logged.
func (s *Service) generateNotes(ctx context.Context, c Consultation) {
	if s.notes == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notesTimeout)
		defer cancel()

		text, err := s.notes.GenerateNotes(ctx, c)
		if err != nil {
			s.logger.Warn("notes generation failed",
				"consultation_id", c.ID,
				"error", &events.CollaboratorError{Collaborator: "notes_generator", Err: err},
			)
			return
		}

		now := s.clock.Now()
		ev := events.New(events.ConsultationNotesAttached, now, c.AppointmentID, c.PatientID, c.PractitionerID, nil).WithConsultation(c.ID)
		err = s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			if err := tx.AttachGeneratedNotes(ctx, c.ID, text, now); err != nil {
				return err
			}
			return s.recordEvent(ctx, tx, ev)
		})
		if err != nil {
			s.logger.Warn("attach generated notes failed", "consultation_id", c.ID, "error", err)
			return
		}
		s.publish(ctx, ev)
	}()
}
