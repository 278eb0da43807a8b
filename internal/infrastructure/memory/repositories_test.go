package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/prescription"
)

var testNow = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func TestDoctorRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewDoctorRepository()

	var ids []uuid.UUID
	for _, name := range []string{"Ann Smith", "Bob Jones", "Cara Lee"} {
		d, err := doctor.New(name, "Cardiology", testNow)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		id, err := repo.Create(ctx, d)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}

	got, err := repo.FindByID(ctx, ids[1])
	if err != nil || got == nil {
		t.Fatalf("expected doctor, got %v %v", got, err)
	}
	if got.Name != "Bob Jones" {
		t.Errorf("unexpected name %q", got.Name)
	}

	got.Name = "mutated"
	again, _ := repo.FindByID(ctx, ids[1])
	if again.Name != "Bob Jones" {
		t.Error("mutating a returned doctor changed stored state")
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 doctors, got %d", len(all))
	}
	for i, d := range all {
		if d.ID != ids[i] {
			t.Errorf("position %d: expected insertion order", i)
		}
	}
}

func TestFindByIDMissing(t *testing.T) {
	repo := NewDrugRepository()
	d, err := repo.FindByID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Fatal("expected nil for a missing id")
	}

	list, err := repo.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v %v", list, err)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewDoctorRepository()
	d, _ := doctor.New("Ann Smith", "Oncology", testNow)

	if _, err := repo.Create(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := repo.Create(ctx, d)
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPatientRepository().List(ctx)
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("expected the cause to be context.Canceled")
	}
}

func seedPrescription(t *testing.T, repo *PrescriptionRepository) *prescription.Prescription {
	t.Helper()
	p, err := prescription.New(uuid.New(), uuid.New(), uuid.New(), 10, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestMarkFilled(t *testing.T) {
	ctx := context.Background()
	repo := NewPrescriptionRepository()
	p := seedPrescription(t, repo)
	pharmacistID := uuid.New()

	filled, err := repo.MarkFilled(ctx, p.ID, pharmacistID, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filled.Status != prescription.StatusFilled || *filled.PharmacistID != pharmacistID {
		t.Errorf("unexpected row: %+v", filled)
	}

	stored, _ := repo.FindByID(ctx, p.ID)
	if !stored.IsFilled() {
		t.Error("fill not persisted")
	}

	if _, err := repo.MarkFilled(ctx, p.ID, uuid.New(), testNow); !errors.Is(err, prescription.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := repo.MarkFilled(ctx, uuid.New(), uuid.New(), testNow); !errors.Is(err, prescription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFilledConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewPrescriptionRepository()
	p := seedPrescription(t, repo)

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.MarkFilled(ctx, p.ID, uuid.New(), testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, prescription.ErrNotPending):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful fill, got %d", succeeded)
	}
	if rejected != callers-1 {
		t.Errorf("expected %d rejections, got %d", callers-1, rejected)
	}
}

func TestCreateRejectsFilledPrescription(t *testing.T) {
	p, _ := prescription.New(uuid.New(), uuid.New(), uuid.New(), 1, testNow)
	_ = p.Fill(uuid.New(), testNow)

	_, err := NewPrescriptionRepository().Create(context.Background(), p)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
