package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

const noShowSweepReason = "no_show_sweep"

// SweepNoShows marks scheduled and confirmed appointments whose end time
// plus grace has passed as no_show, acting as the system admin. Sessions
// that started in the meantime are left alone. It returns how many were
// marked.
func (s *Service) SweepNoShows(ctx context.Context, grace time.Duration) (int, error) {
	now := s.clock.Now().In(s.loc)
	candidates, err := s.repo.ListOpenBefore(ctx, civil.DateOf(now))
	if err != nil {
		return 0, fmt.Errorf("find open appointments: %w", err)
	}

	reason := noShowSweepReason
	stillOpen := func(a *Appointment) error {
		if a.Status == StatusInProgress {
			return fmt.Errorf("%w: session started", ErrInvalidTransition)
		}
		return nil
	}

	marked := 0
	for _, a := range candidates {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		if a.Slot().EndsAt(s.loc).Add(grace).After(now) {
			continue
		}
		_, err := s.transition(ctx, a.ID, identity.System, ActionNoShow, TransitionPayload{Reason: &reason}, stillOpen)
		switch {
		case err == nil:
			marked++
		case errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentUpdate):
			// changed under us, nothing to do
		default:
			s.logger.Warn("failed to mark appointment no_show", "appointment_id", a.ID, "error", err)
		}
	}
	return marked, nil
}
