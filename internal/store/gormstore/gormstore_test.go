package gormstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ecg-server/internal/model"
	"ecg-server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), Config())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pair := model.Pair{DoctorID: 1, PatientID: 2}
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sess, err := s.CreateActiveSession(ctx, pair, t0)
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	if sess.ID == 0 || sess.Verdict != "pending" || !sess.Active() {
		t.Fatalf("unexpected session %+v", sess)
	}

	if _, err := s.CreateActiveSession(ctx, pair, t0.Add(time.Second)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// another pair is independent
	if _, err := s.CreateActiveSession(ctx, model.Pair{DoctorID: 1, PatientID: 3}, t0); err != nil {
		t.Fatalf("expected independent pair to start, got %v", err)
	}

	stopped, err := s.StopActiveSession(ctx, pair, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("StopActiveSession: %v", err)
	}
	if stopped.ID != sess.ID || stopped.StoppedAt == nil {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}

	if _, err := s.StopActiveSession(ctx, pair, t0.Add(2*time.Minute)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected stopped_at to be persisted, got %+v", got)
	}

	if _, err := s.CreateActiveSession(ctx, pair, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("expected restart after stop, got %v", err)
	}

	if _, err := s.GetSession(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_InsertReadingsIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateActiveSession(ctx, model.Pair{DoctorID: 5, PatientID: 6}, time.Now())
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}

	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	batch := []model.Reading{
		{SessionID: sess.ID, Timestamp: ts, Values: []float64{0.1, 0.2, 0.3}},
		{SessionID: sess.ID, Timestamp: ts.Add(time.Millisecond), Values: []float64{0.4}},
	}

	n, err := s.InsertReadings(ctx, batch)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 inserted, got %d (%v)", n, err)
	}
	n, err = s.InsertReadings(ctx, batch)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 inserted on second pass, got %d (%v)", n, err)
	}

	readings, err := s.ListReadings(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if !readings[0].Timestamp.Equal(ts) || len(readings[0].Values) != 3 || readings[0].Values[2] != 0.3 {
		t.Fatalf("unexpected first reading %+v", readings[0])
	}
}

func TestStore_InsertReadingsKeepsNanosecondNeighbours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateActiveSession(ctx, model.Pair{DoctorID: 1, PatientID: 9}, time.Now())
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 1000, time.UTC)
	batch := []model.Reading{
		{SessionID: sess.ID, Timestamp: base, Values: []float64{1}},
		{SessionID: sess.ID, Timestamp: base.Add(500 * time.Nanosecond), Values: []float64{2}},
	}
	n, err := s.InsertReadings(ctx, batch)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 inserted, got %d (%v)", n, err)
	}

	readings, err := s.ListReadings(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(readings) != 2 || !readings[1].Timestamp.Equal(base.Add(500*time.Nanosecond)) {
		t.Fatalf("expected both readings at full precision, got %+v", readings)
	}
}

func TestStore_InsertReadingsUnknownSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertReadings(ctx, []model.Reading{{SessionID: 424242, Timestamp: time.Now(), Values: []float64{1}}})
	if !errors.Is(err, store.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestStore_DeleteSessionCascadesReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.CreateActiveSession(ctx, model.Pair{DoctorID: 1, PatientID: 1}, time.Now())
	if _, err := s.InsertReadings(ctx, []model.Reading{{SessionID: sess.ID, Timestamp: time.Now(), Values: []float64{1}}}); err != nil {
		t.Fatalf("InsertReadings: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	n, err := s.CountReadings(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CountReadings: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected readings removed with session, got %d", n)
	}
}

func TestStore_UpsertDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first, created, err := s.UpsertDevice(ctx, "dev-A", t0)
	if err != nil || !created {
		t.Fatalf("expected created, got %v (%v)", created, err)
	}
	second, created, err := s.UpsertDevice(ctx, "dev-A", t0.Add(time.Hour))
	if err != nil || created {
		t.Fatalf("expected existing device, got created=%v (%v)", created, err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("expected registered_at unchanged, got %v", second.RegisteredAt)
	}
	if !second.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected last_seen updated, got %v", second.LastSeen)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
}
