package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/danmuck/groundlink/internal/testutil/testlog"
)

func openTestStore(t *testing.T, maxRows int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), maxRows)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)

	if _, err := Open("", 0); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

func TestRecordAndRecentNewestFirst(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t, 0)
	base := time.UnixMilli(1_700_000_000_000)
	events := []session.Event{
		{At: base, Kind: session.EventTransition, From: session.StateDisconnected, To: session.StateConnecting, Target: "10.0.0.5:5000"},
		{At: base.Add(time.Second), Kind: session.EventTransition, From: session.StateConnecting, To: session.StateError, Detail: "connection failed: refused"},
		{At: base.Add(2 * time.Second), Kind: session.EventReconnect, From: session.StateError, To: session.StateConnecting},
	}
	for _, ev := range events {
		if err := s.Record(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != session.EventReconnect || !got[0].At.Equal(events[2].At) {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if got[1].To != session.StateError || got[1].Detail != "connection failed: refused" {
		t.Fatalf("unexpected second event %+v", got[1])
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t, 0)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPruneKeepsNewestRows(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t, 5)
	for i := 0; i < 12; i++ {
		if err := s.Record(session.Event{Kind: session.EventCommand, Detail: string(rune('a' + i))}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if _, err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, err := s.Recent(context.Background(), 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 rows after prune, got %d", len(got))
	}
	if got[0].Detail != "l" || got[4].Detail != "h" {
		t.Fatalf("expected newest rows kept, got first=%q last=%q", got[0].Detail, got[4].Detail)
	}
}
