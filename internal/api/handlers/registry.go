package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/service"
)

// dateLayout is the wire format of calendar dates
const dateLayout = "2006-01-02"

// RegistryHandler serves the doctor, patient, pharmacist and drug endpoints.
type RegistryHandler struct {
	svc    *service.RegistrationService
	logger *zap.Logger
}

func NewRegistryHandler(svc *service.RegistrationService, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{svc: svc, logger: logger}
}

type DoctorRequest struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
}

type PatientRequest struct {
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
}

type PharmacistRequest struct {
	Name     string `json:"name"`
	Pharmacy string `json:"pharmacy"`
}

type DrugRequest struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
}

// DoctorRoutes mounts under /doctors
func (h *RegistryHandler) DoctorRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req DoctorRequest
		if !decode(w, r, &req) {
			return
		}
		h.created(w, r)(h.svc.RegisterDoctor(r.Context(), service.RegisterDoctorCommand{
			Name:      req.Name,
			Specialty: req.Specialty,
		}))
	})
	r.Get("/", h.list(func(ctx context.Context) (any, error) { return h.svc.ListDoctors(ctx) }))
	r.Get("/{id}", h.get(func(ctx context.Context, id uuid.UUID) (any, error) { return h.svc.GetDoctor(ctx, id) }))
	return r
}

// PatientRoutes mounts under /patients
func (h *RegistryHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req PatientRequest
		if !decode(w, r, &req) {
			return
		}
		dob, err := time.Parse(dateLayout, req.DateOfBirth)
		if err != nil {
			writeError(w, r, h.logger, domain.NewValidationError("date_of_birth", "must be formatted as YYYY-MM-DD"))
			return
		}
		h.created(w, r)(h.svc.RegisterPatient(r.Context(), service.RegisterPatientCommand{
			Name:        req.Name,
			DateOfBirth: dob,
		}))
	})
	r.Get("/", h.list(func(ctx context.Context) (any, error) { return h.svc.ListPatients(ctx) }))
	r.Get("/{id}", h.get(func(ctx context.Context, id uuid.UUID) (any, error) { return h.svc.GetPatient(ctx, id) }))
	return r
}

// PharmacistRoutes mounts under /pharmacists
func (h *RegistryHandler) PharmacistRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req PharmacistRequest
		if !decode(w, r, &req) {
			return
		}
		h.created(w, r)(h.svc.RegisterPharmacist(r.Context(), service.RegisterPharmacistCommand{
			Name:     req.Name,
			Pharmacy: req.Pharmacy,
		}))
	})
	r.Get("/", h.list(func(ctx context.Context) (any, error) { return h.svc.ListPharmacists(ctx) }))
	r.Get("/{id}", h.get(func(ctx context.Context, id uuid.UUID) (any, error) { return h.svc.GetPharmacist(ctx, id) }))
	return r
}

// DrugRoutes mounts under /drugs
func (h *RegistryHandler) DrugRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req DrugRequest
		if !decode(w, r, &req) {
			return
		}
		h.created(w, r)(h.svc.RegisterDrug(r.Context(), service.RegisterDrugCommand{
			Name:   req.Name,
			Dosage: req.Dosage,
		}))
	})
	r.Get("/", h.list(func(ctx context.Context) (any, error) { return h.svc.ListDrugs(ctx) }))
	r.Get("/{id}", h.get(func(ctx context.Context, id uuid.UUID) (any, error) { return h.svc.GetDrug(ctx, id) }))
	return r
}

// created returns a sink for a (entity, error) pair that writes 201 on success.
func (h *RegistryHandler) created(w http.ResponseWriter, r *http.Request) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		respond(w, http.StatusCreated, v)
	}
}

func (h *RegistryHandler) list(fn func(context.Context) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		respond(w, http.StatusOK, v)
	}
}

func (h *RegistryHandler) get(fn func(context.Context, uuid.UUID) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		v, err := fn(r.Context(), id)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		respond(w, http.StatusOK, v)
	}
}
