package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/jinro-voice/internal/config"
	"github.com/loqalabs/jinro-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Catalog.AssetsDir = t.TempDir()
	cfg.Playback.ChunkDurationMS = 10
	cfg.Playback.TurnGapMS = 1
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, "test", newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := rt.setup(ctx, nil)
	if err != nil {
		cancel()
		rt.teardown(context.Background())
		t.Fatalf("setup: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		rt.teardown(context.Background())
	})
	return rt, ts
}

func TestReadiness(t *testing.T) {
	rt, ts := startRuntime(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", resp.StatusCode)
	}

	rt.ready.Store(true)
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}
}

func TestEmbeddedBusServesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Playback.PublishFrames = true
	cfg.Artifacts.Store = "nats"
	cfg.Artifacts.Bucket = "JINRO_TEST"

	rt, ts := startRuntime(t, cfg)
	if rt.bus == nil || !rt.bus.Healthy() {
		t.Fatal("bus client not connected")
	}

	resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	base := ts.URL + "/v1/sessions/" + snap.ID

	req, _ := http.NewRequest(http.MethodPut, base+"/text", strings.NewReader(`{"text":"今夜は静かだ"}`))
	if resp, err = http.DefaultClient.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp, err = http.Post(base+"/play", "application/json", nil); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("play returned %d", resp.StatusCode)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		resp, err = http.Get(base)
		if err != nil {
			t.Fatal(err)
		}
		snap = session.Snapshot{}
		_ = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if snap.State == session.StateIdle && snap.Artifact != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("playback did not finish: %+v", snap)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if resp, err = http.Get(base + "/download"); err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(body) < 44 || string(body[:4]) != "RIFF" {
		t.Fatalf("unexpected download: status %d, %d bytes", resp.StatusCode, len(body))
	}
}
