package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

// querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is what PgRepository needs from a connection pool.
type Pool interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type PgRepository struct {
	pool Pool
	db   querier
}

func NewPgRepository(pool Pool) *PgRepository {
	return &PgRepository{pool: pool, db: pool}
}

const (
	pgExclusionViolation   = "23P01"
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	activeConsultationIndex = "consultations_one_active_per_appointment"
)

// mapPgError turns constraint and serialization failures into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return fmt.Errorf("%w: %s", ErrSlotUnavailable, pgErr.ConstraintName)
	case pgUniqueViolation:
		if pgErr.ConstraintName == activeConsultationIndex {
			return ErrSessionInProgress
		}
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, pgErr.Message)
	}
	return err
}

func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &PgRepository{db: tx}); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Helpers

func dateParam(d civil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func civilPtr(t *time.Time) *civil.Date {
	if t == nil {
		return nil
	}
	d := civil.DateOf(*t)
	return &d
}

func datePtrParam(d *civil.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := dateParam(*d)
	return &t
}

func rolePtrParam(r *identity.Role) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	var specialty *string
	var approval string

	err := row.Scan(&p.ID, &p.Name, &specialty, &approval)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	p.ApprovalStatus = ApprovalStatus(approval)
	return &p, nil
}

const appointmentColumns = `id, patient_id, practitioner_id, facility_id, date, start_minute, end_minute,
	consultation_kind, status, reason, practitioner_notes, patient_notes,
	follow_up_required, follow_up_date, follow_up_notes,
	cancellation_reason, cancellation_initiator, rescheduled_from_id, completed_at,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		date         time.Time
		start, end   int
		kind, status string
		followUpDate *time.Time
		cancelledBy  *string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PractitionerID,
		&a.FacilityID,
		&date,
		&start,
		&end,
		&kind,
		&status,
		&a.Reason,
		&a.PractitionerNotes,
		&a.PatientNotes,
		&a.FollowUp.Required,
		&followUpDate,
		&a.FollowUp.Notes,
		&a.Cancellation.Reason,
		&cancelledBy,
		&a.RescheduledFromID,
		&a.CompletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = civil.DateOf(date)
	a.StartTime = TimeOfDay(start)
	a.EndTime = TimeOfDay(end)
	a.Kind = ConsultationKind(kind)
	a.Status = AppointmentStatus(status)
	a.FollowUp.Date = civilPtr(followUpDate)
	if cancelledBy != nil {
		role := identity.Role(*cancelledBy)
		a.Cancellation.Initiator = &role
	}
	return &a, nil
}

func (r *PgRepository) queryAppointments(ctx context.Context, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const consultationColumns = `id, appointment_id, session_handle, practitioner_id, patient_id,
	kind, status, started_at, ended_at, duration_minutes, session_notes, generated_notes,
	follow_up_required, follow_up_notes, created_at, updated_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var (
		c            Consultation
		kind, status string
		duration     *int32
	)

	err := row.Scan(
		&c.ID,
		&c.AppointmentID,
		&c.SessionHandle,
		&c.PractitionerID,
		&c.PatientID,
		&kind,
		&status,
		&c.StartedAt,
		&c.EndedAt,
		&duration,
		&c.SessionNotes,
		&c.GeneratedNotes,
		&c.FollowUp.Required,
		&c.FollowUp.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}

	c.Kind = ConsultationKind(kind)
	c.Status = SessionStatus(status)
	if duration != nil {
		d := int(*duration)
		c.DurationMinutes = &d
	}
	return &c, nil
}

func durationParam(d *int) *int32 {
	if d == nil {
		return nil
	}
	v := int32(*d)
	return &v
}

// Interface methods

func (r *PgRepository) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, approval_status
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveByPractitionerDate(ctx context.Context, practitionerID uuid.UUID, date civil.Date) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND date = $2
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		ORDER BY start_minute
	`, practitionerID, dateParam(date))
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	f = f.normalized()
	var date *time.Time
	if f.Date != nil {
		d := dateParam(*f.Date)
		date = &d
	}
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::uuid IS NULL OR patient_id = $1)
		  AND ($2::uuid IS NULL OR practitioner_id = $2)
		  AND ($3::date IS NULL OR date = $3)
		ORDER BY date, start_minute, created_at
		LIMIT $4 OFFSET $5
	`, f.PatientID, f.PractitionerID, date, f.Limit, f.Offset)
}

func (r *PgRepository) ListOpenBefore(ctx context.Context, date civil.Date) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND date <= $1
		ORDER BY date, start_minute
	`, dateParam(date))
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		a.ID, a.PatientID, a.PractitionerID, a.FacilityID,
		dateParam(a.Date), int(a.StartTime), int(a.EndTime),
		string(a.Kind), string(a.Status), a.Reason, a.PractitionerNotes, a.PatientNotes,
		a.FollowUp.Required, datePtrParam(a.FollowUp.Date), a.FollowUp.Notes,
		a.Cancellation.Reason, rolePtrParam(a.Cancellation.Initiator), a.RescheduledFromID, a.CompletedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment, from AppointmentStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    practitioner_notes = $3,
		    follow_up_required = $4,
		    follow_up_date = $5,
		    follow_up_notes = $6,
		    cancellation_reason = $7,
		    cancellation_initiator = $8,
		    completed_at = $9,
		    updated_at = $10
		WHERE id = $1
		  AND status = $11
	`,
		a.ID, string(a.Status), a.PractitionerNotes,
		a.FollowUp.Required, datePtrParam(a.FollowUp.Date), a.FollowUp.Notes,
		a.Cancellation.Reason, rolePtrParam(a.Cancellation.Initiator),
		a.CompletedAt, a.UpdatedAt, string(from),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *PgRepository) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE id = $1
	`, id)
	return scanConsultation(row)
}

func (r *PgRepository) GetActiveConsultation(ctx context.Context, appointmentID uuid.UUID) (*Consultation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE appointment_id = $1
		  AND status = 'in_progress'
	`, appointmentID)
	return scanConsultation(row)
}

func (r *PgRepository) InsertConsultation(ctx context.Context, c *Consultation) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO consultations (`+consultationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		c.ID, c.AppointmentID, c.SessionHandle, c.PractitionerID, c.PatientID,
		string(c.Kind), string(c.Status), c.StartedAt, c.EndedAt, durationParam(c.DurationMinutes),
		c.SessionNotes, c.GeneratedNotes, c.FollowUp.Required, c.FollowUp.Notes,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *PgRepository) UpdateConsultation(ctx context.Context, c *Consultation, from SessionStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consultations
		SET status = $2,
		    ended_at = $3,
		    duration_minutes = $4,
		    session_notes = $5,
		    follow_up_required = $6,
		    follow_up_notes = $7,
		    updated_at = $8
		WHERE id = $1
		  AND status = $9
	`,
		c.ID, string(c.Status), c.EndedAt, durationParam(c.DurationMinutes),
		c.SessionNotes, c.FollowUp.Required, c.FollowUp.Notes, c.UpdatedAt, string(from),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *PgRepository) AttachGeneratedNotes(ctx context.Context, consultationID uuid.UUID, notes string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consultations
		SET generated_notes = $2,
		    updated_at = $3
		WHERE id = $1
	`, consultationID, notes, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConsultationNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, consultation_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.EventType, ev.AppointmentID, ev.ConsultationID, ev.Payload, ev.CreatedAt)
	return err
}
