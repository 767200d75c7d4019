package appointment

import (
	"fmt"
	"time"
)

// SchedulingPolicy holds the booking tunables owned by the hosting service.
type SchedulingPolicy struct {
	MinLeadMinutes int
	MaxSlotMinutes int
}

func DefaultPolicy() SchedulingPolicy {
	return SchedulingPolicy{MinLeadMinutes: 60, MaxSlotMinutes: 120}
}

// validateSlot checks a requested slot against the policy. now and loc
// define what "in the past" means.
func (p SchedulingPolicy) validateSlot(s Slot, now time.Time, loc *time.Location) error {
	if !s.Date.IsValid() {
		return fmt.Errorf("%w: invalid date", ErrInvalidRange)
	}
	if s.Start < 0 || s.End > EndOfDay {
		return fmt.Errorf("%w: times must fall within the day", ErrInvalidRange)
	}
	if s.Start >= s.End {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRange, s.Start, s.End)
	}
	if p.MaxSlotMinutes > 0 && s.Minutes() > p.MaxSlotMinutes {
		return fmt.Errorf("%w: slot of %d minutes exceeds maximum %d", ErrInvalidRange, s.Minutes(), p.MaxSlotMinutes)
	}
	earliest := now.Add(time.Duration(p.MinLeadMinutes) * time.Minute)
	if s.StartsAt(loc).Before(earliest) {
		return fmt.Errorf("%w: slot starts before the minimum lead time of %d minutes", ErrInvalidRange, p.MinLeadMinutes)
	}
	return nil
}
