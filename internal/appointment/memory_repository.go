package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type memState struct {
	practitioners map[uuid.UUID]Practitioner
	appointments  map[uuid.UUID]Appointment
	consultations map[uuid.UUID]Consultation
	events        []EventLog
	nextEventID   int64
}

func newMemState() *memState {
	return &memState{
		practitioners: make(map[uuid.UUID]Practitioner),
		appointments:  make(map[uuid.UUID]Appointment),
		consultations: make(map[uuid.UUID]Consultation),
	}
}

// clone copies the maps. Records are replaced whole on update, never
// mutated through shared pointers, so a shallow copy of each value suffices.
func (s *memState) clone() *memState {
	c := &memState{
		practitioners: make(map[uuid.UUID]Practitioner, len(s.practitioners)),
		appointments:  make(map[uuid.UUID]Appointment, len(s.appointments)),
		consultations: make(map[uuid.UUID]Consultation, len(s.consultations)),
		events:        append([]EventLog(nil), s.events...),
		nextEventID:   s.nextEventID,
	}
	for k, v := range s.practitioners {
		c.practitioners[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.consultations {
		c.consultations[k] = v
	}
	return c
}

// MemoryRepository is a process-local Repository. Transactions run one at a
// time against a private copy of the state that is swapped in on success,
// so a failed or cancelled transaction leaves nothing behind. It enforces
// the same non-overlap and single-active-session constraints the
// PostgreSQL schema does.
type MemoryRepository struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
	inTx  bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

// PutPractitioner inserts or replaces a practitioner read model. It commits
// like any other write so a concurrent transaction cannot overwrite it.
func (r *MemoryRepository) PutPractitioner(p Practitioner) {
	_ = r.write(context.Background(), func(s *memState) error {
		s.practitioners[p.ID] = p
		return nil
	})
}

// Events returns a copy of the audit log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.state.events...)
}

func (r *MemoryRepository) read(fn func(s *memState) error) error {
	if r.inTx {
		return fn(r.state)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(r.state)
}

func (r *MemoryRepository) write(ctx context.Context, fn func(s *memState) error) error {
	if r.inTx {
		return fn(r.state)
	}
	return r.WithinTx(ctx, func(_ context.Context, tx Repository) error {
		return fn(tx.(*MemoryRepository).state)
	})
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	work := r.state.clone()
	r.mu.RUnlock()

	if err := fn(ctx, &MemoryRepository{state: work, inTx: true}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetPractitioner(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	var out *Practitioner
	err := r.read(func(s *memState) error {
		p, ok := s.practitioners[id]
		if !ok {
			return ErrPractitionerNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := r.read(func(s *memState) error {
		a, ok := s.appointments[id]
		if !ok {
			return ErrAppointmentNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (r *MemoryRepository) ListActiveByPractitionerDate(_ context.Context, practitionerID uuid.UUID, date civil.Date) ([]Appointment, error) {
	return r.collect(func(a Appointment) bool {
		return a.PractitionerID == practitionerID && a.Date == date && a.Status.Blocking()
	}), nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	f = f.normalized()
	all := r.collect(func(a Appointment) bool {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			return false
		}
		if f.PractitionerID != nil && a.PractitionerID != *f.PractitionerID {
			return false
		}
		if f.Date != nil && a.Date != *f.Date {
			return false
		}
		return true
	})
	if f.Offset >= len(all) {
		return []Appointment{}, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (r *MemoryRepository) ListOpenBefore(_ context.Context, date civil.Date) ([]Appointment, error) {
	return r.collect(func(a Appointment) bool {
		return (a.Status == StatusScheduled || a.Status == StatusConfirmed) && !a.Date.After(date)
	}), nil
}

// collect returns matches ordered by date, start time and creation.
func (r *MemoryRepository) collect(match func(Appointment) bool) []Appointment {
	var out []Appointment
	_ = r.read(func(s *memState) error {
		for _, a := range s.appointments {
			if match(a) {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	return r.write(ctx, func(s *memState) error {
		if _, exists := s.appointments[a.ID]; exists {
			return fmt.Errorf("appointment %s already exists", a.ID)
		}
		if a.Status.Blocking() {
			for _, other := range s.appointments {
				if other.PractitionerID == a.PractitionerID && other.Date == a.Date && other.Status.Blocking() &&
					Overlaps(other.StartTime, other.EndTime, a.StartTime, a.EndTime) {
					return ErrSlotUnavailable
				}
			}
		}
		s.appointments[a.ID] = *a
		return nil
	})
}

func (r *MemoryRepository) UpdateAppointment(ctx context.Context, a *Appointment, from AppointmentStatus) error {
	return r.write(ctx, func(s *memState) error {
		cur, ok := s.appointments[a.ID]
		if !ok {
			return ErrAppointmentNotFound
		}
		if cur.Status != from {
			return ErrConcurrentUpdate
		}
		s.appointments[a.ID] = *a
		return nil
	})
}

func (r *MemoryRepository) GetConsultation(_ context.Context, id uuid.UUID) (*Consultation, error) {
	var out *Consultation
	err := r.read(func(s *memState) error {
		c, ok := s.consultations[id]
		if !ok {
			return ErrConsultationNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (r *MemoryRepository) GetActiveConsultation(_ context.Context, appointmentID uuid.UUID) (*Consultation, error) {
	var out *Consultation
	err := r.read(func(s *memState) error {
		for _, c := range s.consultations {
			if c.AppointmentID == appointmentID && c.Status == SessionInProgress {
				out = &c
				return nil
			}
		}
		return ErrConsultationNotFound
	})
	return out, err
}

func (r *MemoryRepository) InsertConsultation(ctx context.Context, c *Consultation) error {
	return r.write(ctx, func(s *memState) error {
		for _, other := range s.consultations {
			if other.SessionHandle == c.SessionHandle {
				return fmt.Errorf("session handle %q already in use", c.SessionHandle)
			}
			if c.Status == SessionInProgress && other.AppointmentID == c.AppointmentID && other.Status == SessionInProgress {
				return ErrSessionInProgress
			}
		}
		s.consultations[c.ID] = *c
		return nil
	})
}

func (r *MemoryRepository) UpdateConsultation(ctx context.Context, c *Consultation, from SessionStatus) error {
	return r.write(ctx, func(s *memState) error {
		cur, ok := s.consultations[c.ID]
		if !ok {
			return ErrConsultationNotFound
		}
		if cur.Status != from {
			return ErrConcurrentUpdate
		}
		s.consultations[c.ID] = *c
		return nil
	})
}

func (r *MemoryRepository) AttachGeneratedNotes(ctx context.Context, consultationID uuid.UUID, notes string, at time.Time) error {
	return r.write(ctx, func(s *memState) error {
		c, ok := s.consultations[consultationID]
		if !ok {
			return ErrConsultationNotFound
		}
		c.GeneratedNotes = &notes
		c.UpdatedAt = at
		s.consultations[consultationID] = c
		return nil
	})
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	return r.write(ctx, func(s *memState) error {
		s.nextEventID++
		ev.ID = s.nextEventID
		s.events = append(s.events, ev)
		return nil
	})
}
