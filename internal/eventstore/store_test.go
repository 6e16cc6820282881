package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/jinro-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: RetentionEphemeral}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Kind: KindPlayback}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionSession})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendSession(ctx, sessionID); err != nil {
		t.Fatalf("append session twice: %v", err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Kind: KindSynthesize, StyleID: "seer", Voice: "Kore", Status: "ok", CreatedAt: at}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Kind: KindDownload, Status: "ok", Detail: "jinro-voice-seer.wav", CreatedAt: at.Add(time.Second)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindSynthesize || events[0].Voice != "Kore" || !events[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Detail != "jinro-voice-seer.wav" {
		t.Fatalf("unexpected detail: %q", events[1].Detail)
	}
}

func TestEndSessionDropsHistory(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionSession})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", Kind: KindScript}); err != nil {
		t.Fatal(err)
	}
	if err := es.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected history dropped, got %d events", len(events))
	}
}

func TestPersistentKeepsHistoryOnEnd(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionPersistent})
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", Kind: KindRewrite}); err != nil {
		t.Fatal(err)
	}
	if err := es.EndSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected persistent history, got %d events", len(events))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionPersistent, RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Kind: KindPlayback}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
