package state

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T, namespace string) *SQL {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := OpenSQLite(SQLConfig{
		Namespace:  namespace,
		SQLitePath: filepath.Join(t.TempDir(), "state.db"),
	}, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQL_PortReservationAtomicity(t *testing.T) {
	s := newSQLiteStore(t, "test")
	ctx := context.Background()

	ok, err := s.TryReservePort(ctx, 49152)
	if err != nil || !ok {
		t.Fatalf("first reserve = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.TryReservePort(ctx, 49152)
	if err != nil || ok {
		t.Fatalf("second reserve = (%v, %v), want (false, nil)", ok, err)
	}

	ports, err := s.ReservedPorts(ctx)
	if err != nil {
		t.Fatalf("ReservedPorts: %v", err)
	}
	if len(ports) != 1 || ports[0] != 49152 {
		t.Fatalf("ReservedPorts = %v", ports)
	}

	if err := s.ReleasePort(ctx, 49152); err != nil {
		t.Fatalf("ReleasePort: %v", err)
	}
	if err := s.ReleasePort(ctx, 49152); err != nil {
		t.Fatalf("ReleasePort (already free): %v", err)
	}
	if ok, _ := s.TryReservePort(ctx, 49152); !ok {
		t.Error("released port could not be re-reserved")
	}
}

func TestSQL_NamespaceIsolation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "state.db")

	open := func(ns string) *SQL {
		s, err := OpenSQLite(SQLConfig{Namespace: ns, SQLitePath: path}, logger)
		if err != nil {
			t.Fatalf("OpenSQLite(%s): %v", ns, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open("deploy-a"), open("deploy-b")
	ctx := context.Background()

	if ok, _ := a.TryReservePort(ctx, 49160); !ok {
		t.Fatal("deploy-a could not reserve")
	}
	// Same port, different namespace: independent reservation.
	if ok, _ := b.TryReservePort(ctx, 49160); !ok {
		t.Fatal("deploy-b blocked by deploy-a's reservation")
	}
	// Same namespace: blocked.
	if ok, _ := a.TryReservePort(ctx, 49160); ok {
		t.Fatal("duplicate reservation within deploy-a")
	}
}

func TestSQL_InstanceRoundTrip(t *testing.T) {
	s := newSQLiteStore(t, "test")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := InstanceRecord{
		ID: "11111111-2222-3333-4444-555555555555", Type: "browser",
		Owner: "worker-7", BackendID: "cid123", Name: "sanduku-sbx-ab12",
		Port: 49170, State: "assigned",
		CreatedAt: now, LastActive: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.PutInstance(ctx, rec); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil {
		t.Fatal("GetInstance returned nil for stored record")
	}
	if got.Type != "browser" || got.Owner != "worker-7" || got.Port != 49170 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	rec.State = "warm"
	if err := s.PutInstance(ctx, rec); err != nil {
		t.Fatalf("PutInstance (upsert): %v", err)
	}
	got, _ = s.GetInstance(ctx, rec.ID)
	if got.State != "warm" {
		t.Errorf("State = %q after upsert, want warm", got.State)
	}

	list, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListInstances = %d records, want 1", len(list))
	}

	if err := s.DeleteInstance(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	got, err = s.GetInstance(ctx, rec.ID)
	if err != nil || got != nil {
		t.Fatalf("GetInstance after delete = (%+v, %v), want (nil, nil)", got, err)
	}
}
