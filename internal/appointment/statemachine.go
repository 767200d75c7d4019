package appointment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionNoShow   Action = "no_show"
)

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := transitions[a]; !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, s)
	}
	return a, nil
}

// TransitionPayload carries the optional inputs of an action. Fields that
// do not apply to the action are ignored.
type TransitionPayload struct {
	Reason            *string
	PractitionerNotes *string
	FollowUp          *FollowUp
}

type transition struct {
	op    Operation
	from  []AppointmentStatus
	to    AppointmentStatus
	event events.Type
}

// transitions is the appointment state machine. InProgress is only entered
// by starting a session.
var transitions = map[Action]transition{
	ActionConfirm: {
		op:    OpConfirm,
		from:  []AppointmentStatus{StatusScheduled},
		to:    StatusConfirmed,
		event: events.AppointmentConfirmed,
	},
	ActionCancel: {
		op:    OpCancel,
		from:  []AppointmentStatus{StatusScheduled, StatusConfirmed},
		to:    StatusCancelled,
		event: events.AppointmentCancelled,
	},
	ActionComplete: {
		op:    OpComplete,
		from:  []AppointmentStatus{StatusInProgress},
		to:    StatusCompleted,
		event: events.AppointmentCompleted,
	},
	ActionNoShow: {
		op:    OpNoShow,
		from:  []AppointmentStatus{StatusScheduled, StatusConfirmed, StatusInProgress},
		to:    StatusNoShow,
		event: events.AppointmentNoShow,
	},
}

// Transition applies action to the appointment as actor. The role is
// checked before anything is loaded, ownership right after load, and the
// source status last. A failed transition changes nothing.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, actor identity.Actor, action Action, payload TransitionPayload) (*Appointment, error) {
	return s.transition(ctx, id, actor, action, payload, nil)
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor identity.Actor) (*Appointment, error) {
	return s.Transition(ctx, id, actor, ActionConfirm, TransitionPayload{})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor identity.Actor, reason *string) (*Appointment, error) {
	return s.Transition(ctx, id, actor, ActionCancel, TransitionPayload{Reason: reason})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor identity.Actor, notes *string, followUp *FollowUp) (*Appointment, error) {
	return s.Transition(ctx, id, actor, ActionComplete, TransitionPayload{PractitionerNotes: notes, FollowUp: followUp})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor identity.Actor, reason *string) (*Appointment, error) {
	return s.Transition(ctx, id, actor, ActionNoShow, TransitionPayload{Reason: reason})
}

// transition runs action; guard, when set, may veto on the freshly loaded
// record before the status check.
func (s *Service) transition(ctx context.Context, id uuid.UUID, actor identity.Actor, action Action, payload TransitionPayload, guard func(*Appointment) error) (out *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.transition")
	span.SetAttributes(
		attribute.String("telehealth.appointment_id", id.String()),
		attribute.String("telehealth.action", string(action)),
	)
	defer func() {
		s.metrics.ObserveTransition(string(action), outcome(err))
		finishSpan(span, err)
	}()

	t, ok := transitions[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
	scope, err := authorizeRole(actor, t.op)
	if err != nil {
		return nil, err
	}

	var (
		evs    []events.DomainEvent
		closed *Consultation
	)
	err = s.withLock(ctx, appointmentKey(id), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			cur, err := tx.GetAppointment(ctx, id)
			if err != nil {
				return err
			}
			if err := authorizeRecord(actor, scope, cur.PatientID, cur.PractitionerID); err != nil {
				return err
			}
			if guard != nil {
				if err := guard(cur); err != nil {
					return err
				}
			}
			if cur.Status.Terminal() {
				return fmt.Errorf("%w: appointment is %s", ErrTerminalState, cur.Status)
			}
			if !slices.Contains(t.from, cur.Status) {
				return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, cur.Status)
			}

			now := s.clock.Now()
			next := *cur
			next.Status = t.to
			next.UpdatedAt = now
			data := map[string]any{"from": string(cur.Status), "to": string(t.to)}

			switch action {
			case ActionCancel:
				role := actor.Role
				next.Cancellation = Cancellation{Reason: payload.Reason, Initiator: &role}
				data["initiator"] = string(role)
				if payload.Reason != nil {
					data["reason"] = *payload.Reason
				}
			case ActionComplete:
				next.CompletedAt = &now
				if payload.PractitionerNotes != nil {
					next.PractitionerNotes = payload.PractitionerNotes
				}
				if payload.FollowUp != nil {
					next.FollowUp = *payload.FollowUp
				}
				data["practitionerCounterDelta"] = 1
			case ActionNoShow:
				if payload.Reason != nil {
					data["reason"] = *payload.Reason
				}
			}

			if err := tx.UpdateAppointment(ctx, &next, cur.Status); err != nil {
				return fmt.Errorf("update appointment: %w", err)
			}

			ev := events.New(t.event, now, next.ID, next.PatientID, next.PractitionerID, data)
			var sessionEv *events.DomainEvent
			if cur.Status == StatusInProgress {
				c, err := s.closeActiveConsultation(ctx, tx, cur.ID, action, payload, now)
				if err != nil {
					return err
				}
				if c != nil {
					ev = ev.WithConsultation(c.ID)
					if c.Status == SessionCompleted {
						closed = c
						se := events.New(events.SessionEnded, now, next.ID, next.PatientID, next.PractitionerID, map[string]any{
							"duration_minutes": *c.DurationMinutes,
						}).WithConsultation(c.ID)
						sessionEv = &se
					}
				}
			}

			evs = evs[:0]
			if sessionEv != nil {
				evs = append(evs, *sessionEv)
			}
			evs = append(evs, ev)
			for _, e := range evs {
				if err := s.recordEvent(ctx, tx, e); err != nil {
					return err
				}
			}
			out = &next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, evs...)
	if closed != nil {
		s.metrics.ObserveSessionDuration(*closed.DurationMinutes)
		s.generateNotes(ctx, *closed)
	}
	s.logger.Info("appointment transitioned",
		"appointment_id", id,
		"action", string(action),
		"status", string(out.Status),
		"actor_role", string(actor.Role),
	)
	return out, nil
}

// closeActiveConsultation keeps the consultation in step with its
// appointment leaving in_progress: completed on complete, missed on no-show.
func (s *Service) closeActiveConsultation(ctx context.Context, tx Repository, appointmentID uuid.UUID, action Action, payload TransitionPayload, now time.Time) (*Consultation, error) {
	c, err := tx.GetActiveConsultation(ctx, appointmentID)
	if errors.Is(err, ErrConsultationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active consultation: %w", err)
	}

	next := *c
	next.UpdatedAt = now
	next.EndedAt = &now
	switch action {
	case ActionComplete:
		next.Status = SessionCompleted
		d := sessionMinutes(c.StartedAt, now)
		next.DurationMinutes = &d
		if payload.PractitionerNotes != nil {
			next.SessionNotes = payload.PractitionerNotes
		}
		if payload.FollowUp != nil {
			next.FollowUp = FollowUp{Required: payload.FollowUp.Required, Notes: payload.FollowUp.Notes}
		}
	case ActionNoShow:
		next.Status = SessionMissed
	default:
		return nil, nil
	}
	if err := tx.UpdateConsultation(ctx, &next, SessionInProgress); err != nil {
		return nil, fmt.Errorf("update consultation: %w", err)
	}
	return &next, nil
}

// sessionMinutes rounds to the nearest whole minute.
func sessionMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(math.Round(d.Minutes()))
}
