package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/groundlink/internal/config"
	"github.com/danmuck/groundlink/internal/eventlog"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/danmuck/groundlink/internal/testutil/airside"
	"github.com/danmuck/groundlink/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func waitForCondition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}

func TestServiceConnectsOnStartAndRecordsEvents(t *testing.T) {
	testlog.Start(t)

	peer := airside.Start(t, airside.Config{
		HeartbeatPort:     airside.FreeUDPPort(t),
		StatusPort:        airside.FreeUDPPort(t),
		HeartbeatInterval: 30 * time.Millisecond,
	})
	dbPath := filepath.Join(t.TempDir(), "events.db")

	cfg := config.Default()
	cfg.Settings = peer.Settings()
	cfg.Identity.ClientID = "ground-svc"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.EventLogPath = dbPath
	cfg.ConnectOnStart = true
	cfg.AutoReconnect = false

	svc, err := newService(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool {
		return svc.manager.Status().State == session.StateOperational
	}) {
		cancel()
		t.Fatalf("expected operational, got %s", svc.manager.Status().State)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool { return peer.Byes() == 1 }) {
		t.Fatalf("expected bye on shutdown, got %d", peer.Byes())
	}

	store, err := eventlog.Open(dbPath, 0)
	if err != nil {
		t.Fatalf("reopen event log: %v", err)
	}
	defer store.Close()
	events, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) == 0 || events[0].To != session.StateDisconnected {
		t.Fatalf("expected newest event to be the shutdown disconnect, got %+v", events)
	}
}

func TestServiceRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)

	cfg := config.Default()
	cfg.AdminAddr = ""
	if _, err := newService(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}
