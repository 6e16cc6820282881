package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/jinro-voice/internal/bus"
	"github.com/loqalabs/jinro-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	es, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || es != nil {
		t.Fatalf("expected nil server when embedded disabled, got %v %v", es, err)
	}
	es.Shutdown()
}

func TestEmbeddedServerAcceptsBusClient(t *testing.T) {
	es, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(es.Shutdown)

	client, err := bus.Connect(context.Background(), "jinro-test", config.BusConfig{
		Servers:        []string{es.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
	sub, err := client.Conn().SubscribeSync("jinro.ping")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Conn().Publish("jinro.ping", []byte("ping")); err != nil {
		t.Fatal(err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if string(msg.Data) != "ping" {
		t.Fatalf("unexpected payload %q", msg.Data)
	}
	if _, err := client.JetStream().AccountInfo(); err != nil {
		t.Fatalf("jetstream unavailable: %v", err)
	}
}
