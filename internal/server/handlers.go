package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/edgard/hookcron/internal/registry"
)

// minRecurringInterval is the smallest accepted period for recurring services, in milliseconds.
const minRecurringInterval = 1000

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type registerRequest struct {
	ID        string         `json:"id"        validate:"required"`
	URL       string         `json:"url"       validate:"required,http_url"`
	Payload   map[string]any `json:"payload"`
	Method    string         `json:"method"    validate:"required,oneof=POST GET DELETE PUT"`
	Interval  *int64         `json:"interval"  validate:"required,gte=0,lte=9223372036854"`
	Recurring bool           `json:"recurring"`
}

type deregisterRequest struct {
	ID string `json:"id" validate:"required"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterStructValidation(func(sl validator.StructLevel) {
		req, ok := sl.Current().Interface().(registerRequest)
		if !ok || !req.Recurring || req.Interval == nil {
			return
		}
		if *req.Interval < minRecurringInterval {
			sl.ReportError(req.Interval, "interval", "Interval", "min_recurring", strconv.Itoa(minRecurringInterval))
		}
	}, registerRequest{})

	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.history != nil {
		if err := s.history.Ping(r.Context()); err != nil {
			s.logger.ErrorContext(r.Context(), "History database unreachable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, response{Success: false, Message: "history database unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "hookcron is running"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	def := registry.ServiceDefinition{
		ID:        req.ID,
		URL:       req.URL,
		Payload:   req.Payload,
		Method:    req.Method,
		Interval:  *req.Interval,
		Recurring: req.Recurring,
	}

	if _, err := s.registry.Register(def); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			writeJSON(w, http.StatusBadRequest, response{
				Success: false,
				Message: fmt.Sprintf("service with id %q is already registered", req.ID),
			})
			return
		}
		s.logger.ErrorContext(r.Context(), "Failed to register service", "service_id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "failed to schedule service"})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("service %q registered", req.ID),
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req deregisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.registry.Deregister(req.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.ErrorContext(r.Context(), "Failed to deregister service", "service_id", req.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("service %q deregistered", req.ID),
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, _ *http.Request) {
	s.registry.StopAll()
	writeJSON(w, http.StatusOK, response{Success: true, Message: "all services stopped"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stopped", s.registry.Stop)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "started", s.registry.Start)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, verb string, op func(string) error) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, response{Success: false, Message: fmt.Sprintf("service %q not found", id)})
			return
		}
		s.logger.ErrorContext(r.Context(), "Service control failed", "service_id", id, "action", verb, "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: fmt.Sprintf("service %q %s", id, verb)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, response{Success: false, Message: "invocation history is disabled"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	invs, err := s.history.List(r.Context(), r.URL.Query().Get("id"), limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to read history", "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "failed to read history"})
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "invalid JSON body: " + err.Error()})
		return false
	}

	if req, ok := dst.(*registerRequest); ok {
		req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	}

	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: validationMessage(err)})
		return false
	}
	return true
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "min_recurring":
			parts = append(parts, fmt.Sprintf("%s must be at least %s ms for recurring services", fe.Field(), fe.Param()))
		case "gte":
			parts = append(parts, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		case "lte":
			parts = append(parts, fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
