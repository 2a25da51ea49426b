package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s, err := OpenStore("sqlite", dsn, DBOptions{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string, started time.Time) record {
	ended := started.Add(5 * time.Second)
	dur := int64(5)
	return record{
		ID:        id,
		User:      "alice",
		StartedAt: started,
		EndedAt:   &ended,
		DurationS: &dur,
		SrcIP:     "10.0.0.1",
		SrcPort:   40000,
		DstHost:   "example.com",
		DstPort:   443,
		Protocol:  ProtocolTCP,
		BytesSent: 8,
		BytesRecv: 8,
		Status:    StatusClosed,
		Decision:  DecisionAllow,
	}
}

func TestStoreSaveAndQueryByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := sampleRecord("11111111-1111-1111-1111-111111111111", time.Now())
	if err := s.Save(ctx, []record{r}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Query(ctx, HistoryFilter{ID: r.ID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].User != "alice" || got[0].BytesSent.Load() != 8 || got[0].Status != StatusClosed {
		t.Fatalf("unexpected row: %+v", got[0])
	}
	if got[0].EndedAt == nil || got[0].DurationS == nil || *got[0].DurationS != 5 {
		t.Fatalf("time fields lost in round-trip: %+v", got[0])
	}
}

func TestStoreQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := sampleRecord("a0000000-0000-0000-0000-000000000000", now.Add(-2*time.Hour))
	b := sampleRecord("b0000000-0000-0000-0000-000000000000", now)
	b.User = "bob"
	b.Status = StatusFailed
	b.DstHost = "other.com"
	if err := s.Save(ctx, []record{a, b}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Query(ctx, HistoryFilter{User: "bob"})
	if err != nil || len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("user filter failed: %v %+v", err, got)
	}
	got, _ = s.Query(ctx, HistoryFilter{Status: StatusFailed})
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("status filter failed: %+v", got)
	}
	got, _ = s.Query(ctx, HistoryFilter{Since: now.Add(-time.Hour)})
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("since filter failed: %+v", got)
	}
	got, _ = s.Query(ctx, HistoryFilter{})
	if len(got) != 2 || got[0].ID != b.ID {
		t.Fatalf("expected newest-first order: %+v", got)
	}
}

func TestStoreCleanupRemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := sampleRecord("c0000000-0000-0000-0000-000000000000", time.Now().Add(-48*time.Hour))
	fresh := sampleRecord("d0000000-0000-0000-0000-000000000000", time.Now())
	if err := s.Save(ctx, []record{old, fresh}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Cleanup(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	got, _ := s.Query(ctx, HistoryFilter{})
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh row, got %+v", got)
	}
}

func TestStoreMigrationIsIdempotentAndVersioned(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s1, err := OpenStore("sqlite", dsn, DBOptions{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s1.Close()

	s2, err := OpenStore("sqlite", dsn, DBOptions{})
	if err != nil {
		t.Fatalf("reopen over migrated schema: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.Raw(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&version).Error; err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != migrations[len(migrations)-1].version {
		t.Fatalf("unexpected schema version %d", version)
	}
}

func TestStoreRejectsNewerSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s1, err := OpenStore("sqlite", dsn, DBOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.db.Exec(`UPDATE schema_migrations SET version = 999`).Error; err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = s1.Close()

	if _, err := OpenStore("sqlite", dsn, DBOptions{}); err == nil {
		t.Fatal("a newer database must be rejected")
	}
}

func TestTimeFormatSortsLexicographically(t *testing.T) {
	early := formatTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	late := formatTime(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC))
	if !(early < late) {
		t.Fatalf("iso8601 strings must sort chronologically: %q vs %q", early, late)
	}
}
