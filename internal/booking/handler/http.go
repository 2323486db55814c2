package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/lock"
	"github.com/example/fleetslot/internal/booking/overlap"
	"github.com/example/fleetslot/internal/booking/service"
)

// HTTP exposes booking and availability endpoints.
type HTTP struct {
	svc      *service.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, validate: validator.New(), logger: logger}
}

// Router builds the chi router. Extra middlewares run after the defaults.
func (h *HTTP) Router(mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(mw...)

	r.Route("/v1/bookings", func(r chi.Router) {
		r.Post("/", h.createBooking)
		r.Get("/{id}", h.getBooking)
		r.Put("/{id}", h.updateBooking)
		r.Post("/{id}/start", h.startBooking)
		r.Post("/{id}/complete", h.completeBooking)
		r.Post("/{id}/cancel", h.cancelBooking)
	})
	r.Route("/v1/availability", func(r chi.Router) {
		r.Get("/", h.freeSlots)
		r.Get("/check", h.checkOverlap)
		r.Get("/suggestions", h.suggestions)
		r.Get("/next", h.nextSlot)
	})
	return r
}

type createBookingRequest struct {
	Number      string    `json:"number" validate:"max=64"`
	DriverID    string    `json:"driver_id" validate:"required,uuid"`
	VehicleID   string    `json:"vehicle_id" validate:"required,uuid"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Origin      string    `json:"origin" validate:"max=255"`
	Destination string    `json:"destination" validate:"max=255"`
}

type updateBookingRequest struct {
	Number      *string    `json:"number" validate:"omitempty,max=64"`
	DriverID    *string    `json:"driver_id" validate:"omitempty,uuid"`
	VehicleID   *string    `json:"vehicle_id" validate:"omitempty,uuid"`
	Start       *time.Time `json:"start"`
	End         *time.Time `json:"end"`
	Origin      *string    `json:"origin" validate:"omitempty,max=255"`
	Destination *string    `json:"destination" validate:"omitempty,max=255"`
}

type conflictResponse struct {
	Error       string               `json:"error"`
	Conflicts   []domain.Conflict    `json:"conflicts"`
	Suggestions []overlap.Suggestion `json:"suggestions,omitempty"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	var payload createBookingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	req := service.CreateBookingRequest{
		Number:      payload.Number,
		DriverID:    uuid.MustParse(payload.DriverID),
		VehicleID:   uuid.MustParse(payload.VehicleID),
		Start:       payload.Start,
		End:         payload.End,
		Origin:      payload.Origin,
		Destination: payload.Destination,
	}
	booking, err := h.svc.CreateBooking(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			resp := conflictResponse{Error: conflict.Error(), Conflicts: conflict.Conflicts}
			// alternatives are advisory; a failure here still reports the conflict
			if suggestions, err := h.svc.SuggestAlternatives(r.Context(), req.DriverID, req.VehicleID, domain.Window{Start: req.Start, End: req.End}, 0); err == nil {
				resp.Suggestions = suggestions
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) updateBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	var payload updateBookingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	req := service.UpdateBookingRequest{
		Number:      payload.Number,
		Start:       payload.Start,
		End:         payload.End,
		Origin:      payload.Origin,
		Destination: payload.Destination,
	}
	if payload.DriverID != nil {
		driverID := uuid.MustParse(*payload.DriverID)
		req.DriverID = &driverID
	}
	if payload.VehicleID != nil {
		vehicleID := uuid.MustParse(*payload.VehicleID)
		req.VehicleID = &vehicleID
	}
	booking, err := h.svc.UpdateBooking(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (h *HTTP) startBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.StartBooking)
}

func (h *HTTP) completeBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CompleteBooking)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CancelBooking)
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (domain.Booking, error)) {
	id, ok := h.bookingID(w, r)
	if !ok {
		return
	}
	booking, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// availabilityQuery is decoded from the query string of every /v1/availability route.
type availabilityQuery struct {
	DriverID  string `validate:"required,uuid"`
	VehicleID string `validate:"required,uuid"`
	ExcludeID string `validate:"omitempty,uuid"`
	Start     time.Time
	End       time.Time
}

func (q availabilityQuery) window() domain.Window { return domain.Window{Start: q.Start, End: q.End} }

func (q availabilityQuery) ids() (uuid.UUID, uuid.UUID, uuid.UUID) {
	exclude := uuid.Nil
	if q.ExcludeID != "" {
		exclude = uuid.MustParse(q.ExcludeID)
	}
	return uuid.MustParse(q.DriverID), uuid.MustParse(q.VehicleID), exclude
}

type freeSlotsResponse struct {
	Slots []overlap.FreeSlot `json:"slots"`
}

type checkResponse struct {
	Overlap   bool              `json:"overlap"`
	Conflicts []domain.Conflict `json:"conflicts"`
}

type suggestionsResponse struct {
	Suggestions []overlap.Suggestion `json:"suggestions"`
}

type nextSlotResponse struct {
	Slot *overlap.Suggestion `json:"slot"`
}

func (h *HTTP) freeSlots(w http.ResponseWriter, r *http.Request) {
	q, ok := h.availability(w, r, "start", "end")
	if !ok {
		return
	}
	driverID, vehicleID, _ := q.ids()
	slots, err := h.svc.FreeSlots(r.Context(), driverID, vehicleID, q.window())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, freeSlotsResponse{Slots: slots})
}

func (h *HTTP) checkOverlap(w http.ResponseWriter, r *http.Request) {
	q, ok := h.availability(w, r, "start", "end")
	if !ok {
		return
	}
	driverID, vehicleID, excludeID := q.ids()
	conflicts, err := h.svc.Conflicts(r.Context(), driverID, vehicleID, q.window(), excludeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Overlap: len(conflicts) > 0, Conflicts: conflicts})
}

func (h *HTTP) suggestions(w http.ResponseWriter, r *http.Request) {
	q, ok := h.availability(w, r, "start", "end")
	if !ok {
		return
	}
	limit, err := intParam(r, "max", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	driverID, vehicleID, _ := q.ids()
	suggestions, err := h.svc.SuggestAlternatives(r.Context(), driverID, vehicleID, q.window(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionsResponse{Suggestions: suggestions})
}

func (h *HTTP) nextSlot(w http.ResponseWriter, r *http.Request) {
	q, ok := h.availability(w, r, "from", "")
	if !ok {
		return
	}
	duration, err := intParam(r, "duration_minutes", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	driverID, vehicleID, _ := q.ids()
	slot, err := h.svc.NextAvailableSlot(r.Context(), driverID, vehicleID, q.Start, duration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nextSlotResponse{Slot: slot})
}

func (h *HTTP) availability(w http.ResponseWriter, r *http.Request, startKey, endKey string) (availabilityQuery, bool) {
	values := r.URL.Query()
	q := availabilityQuery{
		DriverID:  values.Get("driver_id"),
		VehicleID: values.Get("vehicle_id"),
		ExcludeID: values.Get("exclude_id"),
	}
	var err error
	if q.Start, err = timeParam(r, startKey); err != nil {
		h.writeError(w, r, err)
		return q, false
	}
	if endKey != "" {
		if q.End, err = timeParam(r, endKey); err != nil {
			h.writeError(w, r, err)
			return q, false
		}
	}
	if err := h.validate.Struct(q); err != nil {
		h.writeError(w, r, err)
		return q, false
	}
	return q, true
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *HTTP) bookingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument))
		return uuid.Nil, false
	}
	return id, true
}

func timeParam(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", domain.ErrInvalidWindow, key)
	}
	return t, nil
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, key)
	}
	return v, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("booking request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, status, conflictResponse{Error: conflict.Error(), Conflicts: conflict.Conflicts})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// StatusFor maps booking errors onto HTTP status codes.
func StatusFor(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrInvalidWindow):
		return http.StatusUnprocessableEntity
	case domain.IsConflict(err), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidStatus), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrResourceBusy), domain.IsPersistence(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
