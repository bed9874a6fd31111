package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "data", "uniport.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBans(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if _, err := s.AddBan("not-an-ip", "", 0); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("expected ErrInvalidIP, got %v", err)
	}
	if _, err := s.AddBan("10.0.0.1", "spam", 0); err != nil {
		t.Fatalf("add permanent: %v", err)
	}
	if _, err := s.AddBan("10.0.0.2", "flood", time.Hour); err != nil {
		t.Fatalf("add temporary: %v", err)
	}

	cases := []struct {
		ip   string
		at   time.Time
		want bool
	}{
		{"10.0.0.1", now.Add(24 * 365 * time.Hour), true},
		{"10.0.0.2", now, true},
		{"10.0.0.2", now.Add(2 * time.Hour), false},
		{"10.0.0.3", now, false},
	}
	for _, tc := range cases {
		got, err := s.IsBanned(tc.ip, tc.at)
		if err != nil {
			t.Fatalf("IsBanned(%s): %v", tc.ip, err)
		}
		if got != tc.want {
			t.Fatalf("IsBanned(%s, %s)=%v want %v", tc.ip, tc.at, got, tc.want)
		}
	}

	bans, err := s.ListBans(now)
	if err != nil || len(bans) != 2 {
		t.Fatalf("list: %d bans, err=%v", len(bans), err)
	}

	pruned, err := s.PruneExpiredBans(now.Add(2 * time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("prune: %d, err=%v", pruned, err)
	}

	if err := s.RemoveBan("10.0.0.1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveBan("10.0.0.1"); !errors.Is(err, ErrBanNotFound) {
		t.Fatalf("expected ErrBanNotFound, got %v", err)
	}
}

func TestSessionHistory(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-48 * time.Hour)

	for i, id := range []string{"0000000a", "0000000b", "0000000c"} {
		_, err := s.RecordJoin(SessionRecord{
			CorrelationID: id,
			Name:          "peer-" + id,
			Protocol:      "CHAT",
			JoinedAt:      base.Add(time.Duration(i) * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("record join: %v", err)
		}
	}
	if err := s.RecordLeave("0000000a", base.Add(time.Hour)); err != nil {
		t.Fatalf("record leave: %v", err)
	}

	records, err := s.RecentSessions(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 || records[0].CorrelationID != "0000000c" {
		t.Fatalf("unexpected history order: %+v", records)
	}
	if last := records[2]; last.LeftAt.IsZero() {
		t.Fatalf("leave not recorded for %s", last.CorrelationID)
	}

	// Only finished rows before the cutoff go.
	pruned, err := s.PruneHistory(base.Add(36 * time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("prune: %d, err=%v", pruned, err)
	}

	closed, err := s.CloseOpenSessions(time.Now())
	if err != nil || closed != 2 {
		t.Fatalf("close open: %d, err=%v", closed, err)
	}
}

func TestReopenKeepsDataAndSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uniport.db")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.AddBan("10.1.1.1", "spam", 0); err != nil {
		t.Fatalf("add ban: %v", err)
	}
	s.Close()

	s, err = NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	version, err := s.db.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != len(schema) {
		t.Fatalf("schema version=%d want %d", version, len(schema))
	}
	banned, err := s.IsBanned("10.1.1.1", time.Now())
	if err != nil || !banned {
		t.Fatalf("ban lost across reopen: banned=%v err=%v", banned, err)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	d, err := OpenDatabase(filepath.Join(t.TempDir(), "uniport.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := d.Migrate(schema[:1]); err == nil {
		t.Fatalf("expected an error for a schema newer than the steps")
	}
}
