package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/go-erx/internal/audit"
	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/drug"
	"github.com/drfirst/go-erx/internal/domain/patient"
	"github.com/drfirst/go-erx/internal/domain/pharmacist"
	"github.com/drfirst/go-erx/internal/domain/prescription"
	"github.com/drfirst/go-erx/internal/observability/metrics"
)

const testTopic = "prescription.events"

var testNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, url, 10, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = pool.Exec(ctx, `TRUNCATE audit_log, inbox, outbox, prescriptions, doctors, patients, pharmacists, drugs`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

type fixture struct {
	doctor     *doctor.Doctor
	patient    *patient.Patient
	drug       *drug.Drug
	pharmacist *pharmacist.Pharmacist
}

func seed(t *testing.T, pool *pgxpool.Pool) fixture {
	t.Helper()
	ctx := context.Background()

	d, _ := doctor.New("Dana Reyes", "Internal Medicine", testNow)
	p, _ := patient.New("Paul Okafor", time.Date(1985, 3, 9, 0, 0, 0, 0, time.UTC), testNow)
	g, _ := drug.New("Amoxicillin", "500mg", testNow)
	h, _ := pharmacist.New("Hana Ito", "Main Street Pharmacy", testNow)

	if _, err := NewDoctorRepository(pool).Create(ctx, d); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	if _, err := NewPatientRepository(pool).Create(ctx, p); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if _, err := NewDrugRepository(pool).Create(ctx, g); err != nil {
		t.Fatalf("create drug: %v", err)
	}
	if _, err := NewPharmacistRepository(pool).Create(ctx, h); err != nil {
		t.Fatalf("create pharmacist: %v", err)
	}
	return fixture{doctor: d, patient: p, drug: g, pharmacist: h}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pool := testPool(t)
	n, err := Migrate(context.Background(), pool, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Errorf("migrations out of order: %d before %d", migrations[i-1].Version, migrations[i].Version)
		}
	}
}

func TestEntityRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	f := seed(t, pool)

	got, err := NewPatientRepository(pool).FindByID(ctx, f.patient.ID)
	if err != nil || got == nil {
		t.Fatalf("expected patient, got %v %v", got, err)
	}
	if !got.DateOfBirth.Equal(f.patient.DateOfBirth) {
		t.Errorf("date of birth mismatch: %v vs %v", got.DateOfBirth, f.patient.DateOfBirth)
	}

	missing, err := NewDoctorRepository(pool).FindByID(ctx, uuid.New())
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for a missing doctor, got %v %v", missing, err)
	}

	repo := NewDrugRepository(pool)
	second, _ := drug.New("Ibuprofen", "200mg", testNow)
	if _, err := repo.Create(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != f.drug.ID || all[1].ID != second.ID {
		t.Errorf("expected insertion order, got %+v", all)
	}

	_, err = repo.Create(ctx, second)
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected storage error on duplicate id, got %v", err)
	}
}

func TestPrescriptionLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	f := seed(t, pool)
	repo := NewPrescriptionRepository(pool, testTopic, nil)

	p, _ := prescription.New(f.doctor.ID, f.patient.ID, f.drug.ID, 30, testNow)
	if _, err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	filled, err := repo.MarkFilled(ctx, p.ID, f.pharmacist.ID, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("mark filled: %v", err)
	}
	if filled.Status != prescription.StatusFilled || *filled.PharmacistID != f.pharmacist.ID {
		t.Errorf("unexpected row %+v", filled)
	}

	if _, err := repo.MarkFilled(ctx, p.ID, f.pharmacist.ID, testNow); !errors.Is(err, prescription.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := repo.MarkFilled(ctx, uuid.New(), f.pharmacist.ID, testNow); !errors.Is(err, prescription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, p.ID.String()).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 2 {
		t.Errorf("expected prescribed and filled events in the outbox, got %d", events)
	}
}

func TestPrescriptionForeignKeys(t *testing.T) {
	pool := testPool(t)
	repo := NewPrescriptionRepository(pool, testTopic, nil)

	p, _ := prescription.New(uuid.New(), uuid.New(), uuid.New(), 1, testNow)
	_, err := repo.Create(context.Background(), p)
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestMarkFilledConcurrent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	f := seed(t, pool)
	repo := NewPrescriptionRepository(pool, testTopic, nil)

	p, _ := prescription.New(f.doctor.ID, f.patient.ID, f.drug.ID, 5, testNow)
	if _, err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.MarkFilled(ctx, p.ID, f.pharmacist.ID, testNow)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, prescription.ErrNotPending):
				atomic.AddInt32(&losses, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || losses != 7 {
		t.Fatalf("expected 1 win and 7 losses, got %d and %d", wins, losses)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     bool
}

func (r *recordingPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker unavailable")
	}
	if r.messages == nil {
		r.messages = make(map[string][][]byte)
	}
	r.messages[topic] = append(r.messages[topic], value)
	return nil
}

func TestOutboxRelay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	f := seed(t, pool)
	repo := NewPrescriptionRepository(pool, testTopic, nil)

	p, _ := prescription.New(f.doctor.ID, f.patient.ID, f.drug.ID, 12, testNow)
	if _, err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	pub := &recordingPublisher{fail: true}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 1
	outbox := NewOutbox(pool, pub, cfg, metrics.New(prometheus.NewRegistry()), nil)

	if n, err := outbox.ProcessBatch(ctx); err != nil || n != 0 {
		t.Fatalf("expected a failed delivery, got %d %v", n, err)
	}
	moved, err := outbox.MoveToDeadLetter(ctx)
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if moved != 0 {
		t.Fatalf("dead letter publishing should fail while the broker is down, moved %d", moved)
	}

	pub.fail = false
	moved, err = outbox.MoveToDeadLetter(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("expected 1 dead-lettered entry, got %d %v", moved, err)
	}
	if len(pub.messages[cfg.DeadLetterTopic]) != 1 {
		t.Errorf("expected a dead letter message")
	}

	if _, err := repo.MarkFilled(ctx, p.ID, f.pharmacist.ID, testNow); err != nil {
		t.Fatalf("mark filled: %v", err)
	}
	n, err := outbox.ProcessBatch(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 delivered entry, got %d %v", n, err)
	}
	if len(pub.messages[testTopic]) != 1 {
		t.Errorf("expected the filled event on %s", testTopic)
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 || stats.DeadLettered != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestOutboxHoldsBackLaterEvents(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	f := seed(t, pool)
	repo := NewPrescriptionRepository(pool, testTopic, nil)

	p, _ := prescription.New(f.doctor.ID, f.patient.ID, f.drug.ID, 3, testNow)
	if _, err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.MarkFilled(ctx, p.ID, f.pharmacist.ID, testNow); err != nil {
		t.Fatalf("mark filled: %v", err)
	}

	pub := &recordingPublisher{fail: true}
	cfg := DefaultOutboxConfig()
	cfg.RetryBackoff = time.Hour
	outbox := NewOutbox(pool, pub, cfg, nil, nil)

	if n, err := outbox.ProcessBatch(ctx); err != nil || n != 0 {
		t.Fatalf("expected no deliveries, got %d %v", n, err)
	}

	// the prescribed event now waits an hour and blocks the filled event
	pub.fail = false
	if n, err := outbox.ProcessBatch(ctx); err != nil || n != 0 {
		t.Fatalf("expected the filled event to wait, got %d %v", n, err)
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 2 || stats.Retrying != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestOutboxBackoff(t *testing.T) {
	cfg := OutboxConfig{RetryBackoff: time.Second, MaxBackoff: 10 * time.Second}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 9: 10 * time.Second} {
		if got := cfg.backoff(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestAuditLog(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	log := NewAuditLog(pool)

	prescriptionID := uuid.New()
	e := audit.Entry{
		EventID:        uuid.New(),
		EventType:      string(prescription.EventPrescriptionPrescribed),
		PrescriptionID: prescriptionID,
		ActorID:        uuid.New(),
		OccurredAt:     testNow,
	}

	inserted, err := log.Append(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v %v", inserted, err)
	}
	inserted, err = log.Append(ctx, e)
	if err != nil || inserted {
		t.Fatalf("expected duplicate to be ignored, got %v %v", inserted, err)
	}

	history, err := log.History(ctx, prescriptionID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].EventID != e.EventID {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestEventEntryCarriesCorrelationID(t *testing.T) {
	p, err := prescription.New(uuid.New(), uuid.New(), uuid.New(), 5, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event, err := prescription.PrescribedEvent(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := domain.WithCorrelationID(context.Background(), "req-91")
	entry, err := eventEntry(ctx, testTopic, event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Topic != testTopic || entry.Key != p.ID.String() || entry.AggregateID != p.ID.String() {
		t.Errorf("unexpected entry %+v", entry)
	}

	var published prescription.Event
	if err := json.Unmarshal(entry.Payload, &published); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if published.CorrelationID != "req-91" {
		t.Errorf("expected correlation id req-91, got %q", published.CorrelationID)
	}
}

// stubRow scans fixed values into the destinations in order.
type stubRow []any

func (r stubRow) Scan(dest ...any) error {
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func TestScanPrescriptionStatus(t *testing.T) {
	row := func(status string) stubRow {
		return stubRow{uuid.New(), uuid.New(), uuid.New(), uuid.New(), 10, status, testNow, (*time.Time)(nil), (*uuid.UUID)(nil)}
	}

	p, err := scanPrescription(row("pending"))
	if err != nil || p.Status != prescription.StatusPending {
		t.Fatalf("expected a pending prescription, got %+v %v", p, err)
	}
	if _, err := scanPrescription(row("cancelled")); err == nil {
		t.Error("expected an unknown status to be rejected")
	}
}
