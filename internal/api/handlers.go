package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

// decodeBody decodes JSON into v. An empty body leaves v untouched so
// optional bodies can be omitted.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, appointment.ErrValidation.Code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", appointment.ErrInvalidRange, s)
	}
	return d, nil
}

func parseSlot(date, start, end string) (civil.Date, appointment.TimeOfDay, appointment.TimeOfDay, error) {
	d, err := parseDate(date)
	if err != nil {
		return civil.Date{}, 0, 0, err
	}
	s, err := appointment.ParseTimeOfDay(start)
	if err != nil {
		return civil.Date{}, 0, 0, err
	}
	e, err := appointment.ParseTimeOfDay(end)
	if err != nil {
		return civil.Date{}, 0, 0, err
	}
	return d, s, e, nil
}

func parseFollowUp(p *FollowUpPayload) (*appointment.FollowUp, error) {
	if p == nil {
		return nil, nil
	}
	f := &appointment.FollowUp{Required: p.Required, Notes: p.Notes}
	if p.Date != nil {
		d, err := parseDate(*p.Date)
		if err != nil {
			return nil, err
		}
		f.Date = &d
	}
	return f, nil
}

func optionalUUID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a valid UUID", appointment.ErrValidation, *raw)
	}
	return &id, nil
}

func optionalTime(v string) (*appointment.TimeOfDay, error) {
	if v == "" {
		return nil, nil
	}
	t, err := appointment.ParseTimeOfDay(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func actorFrom(r *http.Request) identity.Actor {
	actor, _ := identity.FromContext(r.Context())
	return actor
}

func bookAppointmentHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "could not parse JSON")
			return
		}

		practitionerID, err := uuid.Parse(req.PractitionerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "practitioner_id must be a valid UUID")
			return
		}
		date, start, end, err := parseSlot(req.Date, req.StartTime, req.EndTime)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		facilityID, err := optionalUUID(req.FacilityID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		appt, err := svc.Book(r.Context(), actorFrom(r), appointment.BookingRequest{
			PractitionerID: practitionerID,
			Date:           date,
			StartTime:      start,
			EndTime:        end,
			Kind:           appointment.ConsultationKind(req.ConsultationKind),
			Reason:         req.Reason,
			FacilityID:     facilityID,
			PatientNotes:   req.PatientNotes,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), actorFrom(r), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var (
			filter appointment.ListFilter
			err    error
		)
		if v := q.Get("patient_id"); v != "" {
			if filter.PatientID, err = optionalUUID(&v); err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
		}
		if v := q.Get("practitioner_id"); v != "" {
			if filter.PractitionerID, err = optionalUUID(&v); err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
		}
		if v := q.Get("date"); v != "" {
			d, err := parseDate(v)
			if err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
			filter.Date = &d
		}
		if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be an integer")
			return
		}
		if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "offset must be an integer")
			return
		}

		items, err := svc.ListAppointments(r.Context(), actorFrom(r), filter)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := AppointmentListResponse{
			Items:  make([]AppointmentResponse, 0, len(items)),
			Limit:  filter.Limit,
			Offset: filter.Offset,
		}
		for i := range items {
			resp.Items = append(resp.Items, toAppointmentResponse(&items[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func transitionHandler(svc Service, logger *logging.Logger, action appointment.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req TransitionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "could not parse JSON")
			return
		}
		followUp, err := parseFollowUp(req.FollowUp)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		appt, err := svc.Transition(r.Context(), id, actorFrom(r), action, appointment.TransitionPayload{
			Reason:            req.Reason,
			PractitionerNotes: req.PractitionerNotes,
			FollowUp:          followUp,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "could not parse JSON")
			return
		}
		date, start, end, err := parseSlot(req.Date, req.StartTime, req.EndTime)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		appt, err := svc.Reschedule(r.Context(), actorFrom(r), id, appointment.RescheduleRequest{
			Date:      date,
			StartTime: start,
			EndTime:   end,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func availabilityHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		q := r.URL.Query()
		date, err := parseDate(q.Get("date"))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		var query appointment.AvailabilityQuery
		if query.Open, err = optionalTime(q.Get("open")); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if query.Close, err = optionalTime(q.Get("close")); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if query.SlotMinutes, err = queryInt(q.Get("slot_minutes")); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "slot_minutes must be an integer")
			return
		}

		slots, err := svc.Availability(r.Context(), practitionerID, date, query)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		slotMinutes := query.SlotMinutes
		if len(slots) > 0 {
			slotMinutes = int(slots[0].End - slots[0].Start)
		}
		writeJSON(w, http.StatusOK, AvailabilityResponse{
			PractitionerID: practitionerID,
			Date:           date,
			SlotMinutes:    slotMinutes,
			Slots:          slots,
		})
	}
}

func startSessionHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "could not parse JSON")
			return
		}
		apptID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "appointment_id must be a valid UUID")
			return
		}

		c, err := svc.StartSession(r.Context(), apptID, actorFrom(r), appointment.ConsultationKind(req.ConsultationKind))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toConsultationResponse(c))
	}
}

func endSessionHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req EndSessionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "could not parse JSON")
			return
		}
		followUp, err := parseFollowUp(req.FollowUp)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		c, err := svc.EndSession(r.Context(), id, actorFrom(r), appointment.EndSessionRequest{
			SessionNotes: req.SessionNotes,
			FollowUp:     followUp,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func getConsultationHandler(svc Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.GetConsultation(r.Context(), actorFrom(r), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}
