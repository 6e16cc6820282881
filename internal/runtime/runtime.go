package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/jinro-voice/internal/api"
	"github.com/loqalabs/jinro-voice/internal/artifact"
	"github.com/loqalabs/jinro-voice/internal/bus"
	"github.com/loqalabs/jinro-voice/internal/catalog"
	"github.com/loqalabs/jinro-voice/internal/config"
	"github.com/loqalabs/jinro-voice/internal/conversation"
	"github.com/loqalabs/jinro-voice/internal/eventstore"
	"github.com/loqalabs/jinro-voice/internal/gateway"
	"github.com/loqalabs/jinro-voice/internal/natsserver"
	"github.com/loqalabs/jinro-voice/internal/playback"
	"github.com/loqalabs/jinro-voice/internal/session"
	"github.com/loqalabs/jinro-voice/internal/single"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	sessions *session.Registry
	api      *api.Server
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.teardown(shutdownCtx)

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// setup builds every service the HTTP surface depends on and returns the
// routed handler. Background work started by the API is bound to ctx.
func (r *Runtime) setup(ctx context.Context, metrics http.Handler) (http.Handler, error) {
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return nil, err
			}
			r.nats = ns
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	cat := catalog.Default()
	if r.cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(r.cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}

	gw, err := gateway.FromConfig(ctx, r.cfg.Gateway, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	blobs, err := r.blobStore()
	if err != nil {
		return nil, err
	}

	chunk := time.Duration(r.cfg.Playback.ChunkDurationMS) * time.Millisecond
	var sink playback.Sink
	if r.cfg.Playback.PublishFrames && r.bus != nil {
		sink = playback.NewBusSink(r.bus, r.cfg.Playback.Target, r.logger)
	}

	r.sessions = session.NewRegistry(session.Options{
		Catalog: cat,
		Blobs:   blobs,
		Artifacts: artifact.Options{
			AssetsDir:    r.cfg.Catalog.AssetsDir,
			ReleaseDelay: time.Duration(r.cfg.Artifacts.ReleaseDelayMS) * time.Millisecond,
			FetchTimeout: time.Duration(r.cfg.Artifacts.FetchTimeoutMS) * time.Millisecond,
		},
		History: events,
		NewOutput: func(string) playback.Output {
			return playback.NewPacedOutput(chunk, sink, r.logger)
		},
	}, r.logger)

	r.api = api.New(ctx, api.Deps{
		Catalog:      cat,
		Sessions:     r.sessions,
		Single:       single.NewController(gw, gw, r.cfg.Artifacts.FilePrefix, r.logger),
		Conversation: conversation.New(gw, gw, time.Duration(r.cfg.Playback.TurnGapMS)*time.Millisecond, r.logger),
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	r.api.Register(mux)
	return mux, nil
}

func (r *Runtime) blobStore() (artifact.BlobStore, error) {
	if r.cfg.Artifacts.Store != "nats" {
		return artifact.NewMemoryStore(), nil
	}
	if r.bus == nil {
		return nil, errors.New("artifacts.store=nats requires the bus")
	}
	store, err := artifact.NewNATSStore(r.bus.JetStream(), r.cfg.Artifacts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open artifact bucket: %w", err)
	}
	return store, nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// teardown stops sessions before the stores they write to.
func (r *Runtime) teardown(ctx context.Context) {
	if r.api != nil {
		r.api.Wait()
	}
	if r.sessions != nil {
		r.sessions.Close(ctx)
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) busHealthy() bool {
	return r.bus == nil || r.bus.Healthy()
}
