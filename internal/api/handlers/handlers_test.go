package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain/prescription"
	"github.com/drfirst/go-erx/internal/infrastructure/memory"
	"github.com/drfirst/go-erx/internal/service"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	repos := service.Repositories{
		Doctors:       memory.NewDoctorRepository(),
		Patients:      memory.NewPatientRepository(),
		Pharmacists:   memory.NewPharmacistRepository(),
		Drugs:         memory.NewDrugRepository(),
		Prescriptions: memory.NewPrescriptionRepository(),
	}
	clock := service.WithClock(func() time.Time { return time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC) })

	registry := NewRegistryHandler(service.NewRegistrationService(repos, nil, clock), nil)
	prescriptions := NewPrescriptionHandler(service.NewPrescriptionService(repos, nil, nil, clock), nil)

	r := chi.NewRouter()
	r.Mount("/doctors", registry.DoctorRoutes())
	r.Mount("/patients", registry.PatientRoutes())
	r.Mount("/pharmacists", registry.PharmacistRoutes())
	r.Mount("/drugs", registry.DrugRoutes())
	r.Mount("/prescriptions", prescriptions.Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// create posts body and returns the id of the created entity.
func create(t *testing.T, h http.Handler, path, body string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, path, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST %s: expected 201, got %d: %s", path, rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.ID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestPrescriptionFlow(t *testing.T) {
	h := testRouter(t)

	doctorID := create(t, h, "/doctors", `{"name":"Dana Reyes","specialty":"Internal Medicine"}`)
	patientID := create(t, h, "/patients", `{"name":"Paul Okafor","date_of_birth":"1985-03-09"}`)
	drugID := create(t, h, "/drugs", `{"name":"Amoxicillin","dosage":"500mg"}`)
	pharmacistID := create(t, h, "/pharmacists", `{"name":"Hana Ito","pharmacy":"Main Street Pharmacy"}`)

	body := `{"doctor_id":"` + doctorID + `","patient_id":"` + patientID + `","drug_id":"` + drugID + `","quantity":30}`
	rec := do(t, h, http.MethodPost, "/prescriptions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p prescription.Prescription
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != prescription.StatusPending || p.Quantity != 30 || p.FilledAt != nil {
		t.Errorf("unexpected prescription %+v", p)
	}

	fill := `{"pharmacist_id":"` + pharmacistID + `"}`
	rec = do(t, h, http.MethodPost, "/prescriptions/"+p.ID.String()+"/fill", fill)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var filled prescription.Prescription
	json.Unmarshal(rec.Body.Bytes(), &filled)
	if filled.Status != prescription.StatusFilled || filled.PharmacistID == nil || filled.PharmacistID.String() != pharmacistID {
		t.Errorf("unexpected filled prescription %+v", filled)
	}

	rec = do(t, h, http.MethodPost, "/prescriptions/"+p.ID.String()+"/fill", fill)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on second fill, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/prescriptions/"+p.ID.String(), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"filled"`) {
		t.Errorf("unexpected get response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/prescriptions/"+p.ID.String()+"/history", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty history without an audit log, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPrescribeErrors(t *testing.T) {
	h := testRouter(t)
	doctorID := create(t, h, "/doctors", `{"name":"Dana Reyes","specialty":"Internal Medicine"}`)
	patientID := create(t, h, "/patients", `{"name":"Paul Okafor","date_of_birth":"1985-03-09"}`)
	missing := uuid.New().String()

	tests := []struct {
		name      string
		body      string
		code      int
		field     string
		reference string
	}{
		{"malformed json", `{"doctor_id":`, http.StatusBadRequest, "", ""},
		{"unknown field", `{"doctor":"x"}`, http.StatusBadRequest, "", ""},
		{"bad uuid", `{"doctor_id":"nope","patient_id":"` + patientID + `","drug_id":"` + missing + `","quantity":1}`, http.StatusBadRequest, "doctor_id", ""},
		{"zero quantity", `{"doctor_id":"` + doctorID + `","patient_id":"` + patientID + `","drug_id":"` + missing + `","quantity":0}`, http.StatusBadRequest, "quantity", ""},
		{"oversized quantity", `{"doctor_id":"` + doctorID + `","patient_id":"` + patientID + `","drug_id":"` + missing + `","quantity":2147483648}`, http.StatusBadRequest, "quantity", ""},
		{"missing drug", `{"doctor_id":"` + doctorID + `","patient_id":"` + patientID + `","drug_id":"` + missing + `","quantity":3}`, http.StatusUnprocessableEntity, "", "drug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/prescriptions", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			resp := decodeError(t, rec)
			if resp.Field != tt.field || resp.Reference != tt.reference {
				t.Errorf("unexpected error body %+v", resp)
			}
		})
	}

	rec := do(t, h, http.MethodGet, "/prescriptions", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("rejected prescriptions must not be stored, got %s", rec.Body.String())
	}
}

func TestFillErrors(t *testing.T) {
	h := testRouter(t)

	rec := do(t, h, http.MethodPost, "/prescriptions/not-a-uuid/fill", `{"pharmacist_id":"`+uuid.NewString()+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad path id, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/prescriptions/"+uuid.NewString()+"/fill", `{"pharmacist_id":"`+uuid.NewString()+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown prescription, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/prescriptions/"+uuid.NewString()+"/history", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 history for an unknown prescription, got %d", rec.Code)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	h := testRouter(t)

	rec := do(t, h, http.MethodPost, "/patients", `{"name":"Paul Okafor","date_of_birth":"09/03/1985"}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Field != "date_of_birth" {
		t.Errorf("expected date_of_birth 400, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/drugs", `{"name":"","dosage":"10mg"}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Field != "name" {
		t.Errorf("expected name 400, got %d: %s", rec.Code, rec.Body.String())
	}

	first := create(t, h, "/pharmacists", `{"name":"Hana Ito","pharmacy":"Main Street Pharmacy"}`)
	second := create(t, h, "/pharmacists", `{"name":"Omar Haddad","pharmacy":"Harbor Drugs"}`)

	rec = do(t, h, http.MethodGet, "/pharmacists", "")
	var list []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != first || list[1].ID != second {
		t.Errorf("expected insertion order, got %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/doctors/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/drugs/bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
