// Package handlers provides the HTTP handlers of the e-prescribing API.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/api/middleware"
	"github.com/drfirst/go-erx/internal/service"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    *service.PrescriptionService
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc *service.PrescriptionService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/fill", h.Fill)
	r.Get("/{id}/history", h.History)
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	DrugID    string `json:"drug_id"`
	Quantity  int    `json:"quantity"`
}

// FillRequest is the request body for filling a prescription
type FillRequest struct {
	PharmacistID string `json:"pharmacist_id"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}

	doctorID, ok := bodyID(w, "doctor_id", req.DoctorID)
	if !ok {
		return
	}
	patientID, ok := bodyID(w, "patient_id", req.PatientID)
	if !ok {
		return
	}
	drugID, ok := bodyID(w, "drug_id", req.DrugID)
	if !ok {
		return
	}

	p, err := h.svc.Prescribe(r.Context(), service.PrescribeCommand{
		DoctorID:  doctorID,
		PatientID: patientID,
		DrugID:    drugID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Debug("prescription accepted",
		zap.String("id", p.ID.String()),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	respond(w, http.StatusCreated, p)
}

// List handles GET /prescriptions
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, list)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, p)
}

// Fill handles POST /prescriptions/{id}/fill
func (h *PrescriptionHandler) Fill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req FillRequest
	if !decode(w, r, &req) {
		return
	}
	pharmacistID, ok := bodyID(w, "pharmacist_id", req.PharmacistID)
	if !ok {
		return
	}

	p, err := h.svc.Fill(r.Context(), service.FillCommand{PrescriptionID: id, PharmacistID: pharmacistID})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, p)
}

// History handles GET /prescriptions/{id}/history
func (h *PrescriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respond(w, http.StatusOK, entries)
}
