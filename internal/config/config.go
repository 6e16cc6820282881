package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/jinro-voice/internal/audio"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Artifacts   ArtifactsConfig  `yaml:"artifacts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// GatewayConfig selects the remote speech and text backends.
type GatewayConfig struct {
	Mode             string `yaml:"mode"`      // mock, genai, exec
	TextMode         string `yaml:"text_mode"` // defaults to mode; ollama is text-only
	APIKey           string `yaml:"api_key"`
	SpeechModel      string `yaml:"speech_model"`
	TextModel        string `yaml:"text_model"`
	PlaceholderVoice string `yaml:"placeholder_voice"`
	SampleRate       int    `yaml:"sample_rate"`
	SpeechCommand    string `yaml:"speech_command"`
	TextCommand      string `yaml:"text_command"`
	OllamaEndpoint   string `yaml:"ollama_endpoint"`
	OllamaModel      string `yaml:"ollama_model"`
}

type PlaybackConfig struct {
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	TurnGapMS       int    `yaml:"turn_gap_ms"`
	PublishFrames   bool   `yaml:"publish_frames"`
	Target          string `yaml:"target"`
}

type CatalogConfig struct {
	Path      string `yaml:"path"`
	AssetsDir string `yaml:"assets_dir"`
}

type ArtifactsConfig struct {
	Store          string `yaml:"store"` // memory, nats
	Bucket         string `yaml:"bucket"`
	FilePrefix     string `yaml:"file_prefix"`
	ReleaseDelayMS int    `yaml:"release_delay_ms"`
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "jinro-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/jinro-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Gateway: GatewayConfig{
			Mode:             "mock",
			SpeechModel:      "gemini-2.5-flash-preview-tts",
			TextModel:        "gemini-2.5-flash",
			PlaceholderVoice: "Puck",
			SampleRate:       24000,
			OllamaEndpoint:   "http://localhost:11434",
			OllamaModel:      "llama3.2:latest",
		},
		Playback: PlaybackConfig{
			ChunkDurationMS: 100,
			TurnGapMS:       200,
			Target:          "default",
		},
		Catalog: CatalogConfig{
			AssetsDir: "./assets",
		},
		Artifacts: ArtifactsConfig{
			Store:          "memory",
			Bucket:         "JINRO_ARTIFACTS",
			FilePrefix:     "jinro-voice",
			ReleaseDelayMS: 100,
			FetchTimeoutMS: 15000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Gateway.APIKey == "" {
		overrideString(&cfg.Gateway.APIKey, "GEMINI_API_KEY")
	}
	if cfg.Gateway.APIKey == "" {
		overrideString(&cfg.Gateway.APIKey, "API_KEY")
	}
	if cfg.Gateway.TextMode == "" {
		cfg.Gateway.TextMode = cfg.Gateway.Mode
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "JINRO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "JINRO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "JINRO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "JINRO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "JINRO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "JINRO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "JINRO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "JINRO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "JINRO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "JINRO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "JINRO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "JINRO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "JINRO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "JINRO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "JINRO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "JINRO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "JINRO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "JINRO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "JINRO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "JINRO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "JINRO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "JINRO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "JINRO_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Gateway.Mode, "JINRO_GATEWAY_MODE")
	overrideString(&cfg.Gateway.TextMode, "JINRO_GATEWAY_TEXT_MODE")
	overrideString(&cfg.Gateway.APIKey, "JINRO_GATEWAY_API_KEY")
	overrideString(&cfg.Gateway.SpeechModel, "JINRO_GATEWAY_SPEECH_MODEL")
	overrideString(&cfg.Gateway.TextModel, "JINRO_GATEWAY_TEXT_MODEL")
	overrideString(&cfg.Gateway.PlaceholderVoice, "JINRO_GATEWAY_PLACEHOLDER_VOICE")
	overrideInt(&cfg.Gateway.SampleRate, "JINRO_GATEWAY_SAMPLE_RATE")
	overrideString(&cfg.Gateway.SpeechCommand, "JINRO_GATEWAY_SPEECH_COMMAND")
	overrideString(&cfg.Gateway.TextCommand, "JINRO_GATEWAY_TEXT_COMMAND")
	overrideString(&cfg.Gateway.OllamaEndpoint, "JINRO_GATEWAY_OLLAMA_ENDPOINT")
	overrideString(&cfg.Gateway.OllamaModel, "JINRO_GATEWAY_OLLAMA_MODEL")
	overrideInt(&cfg.Playback.ChunkDurationMS, "JINRO_PLAYBACK_CHUNK_DURATION_MS")
	overrideInt(&cfg.Playback.TurnGapMS, "JINRO_PLAYBACK_TURN_GAP_MS")
	overrideBool(&cfg.Playback.PublishFrames, "JINRO_PLAYBACK_PUBLISH_FRAMES")
	overrideString(&cfg.Playback.Target, "JINRO_PLAYBACK_TARGET")
	overrideString(&cfg.Catalog.Path, "JINRO_CATALOG_PATH")
	overrideString(&cfg.Catalog.AssetsDir, "JINRO_CATALOG_ASSETS_DIR")
	overrideString(&cfg.Artifacts.Store, "JINRO_ARTIFACTS_STORE")
	overrideString(&cfg.Artifacts.Bucket, "JINRO_ARTIFACTS_BUCKET")
	overrideString(&cfg.Artifacts.FilePrefix, "JINRO_ARTIFACTS_FILE_PREFIX")
	overrideInt(&cfg.Artifacts.ReleaseDelayMS, "JINRO_ARTIFACTS_RELEASE_DELAY_MS")
	overrideInt(&cfg.Artifacts.FetchTimeoutMS, "JINRO_ARTIFACTS_FETCH_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Gateway.Mode {
	case "mock", "genai", "exec":
	default:
		return errors.New("gateway.mode must be one of mock|genai|exec")
	}
	switch cfg.Gateway.TextMode {
	case "mock", "genai", "exec", "ollama":
	default:
		return errors.New("gateway.text_mode must be one of mock|genai|exec|ollama")
	}
	if (cfg.Gateway.Mode == "genai" || cfg.Gateway.TextMode == "genai") && cfg.Gateway.APIKey == "" {
		return errors.New("gateway.api_key must be set when a genai backend is selected")
	}
	if cfg.Gateway.Mode == "exec" && cfg.Gateway.SpeechCommand == "" {
		return errors.New("gateway.speech_command must be set when mode=exec")
	}
	if cfg.Gateway.TextMode == "exec" && cfg.Gateway.TextCommand == "" {
		return errors.New("gateway.text_command must be set when text_mode=exec")
	}
	if cfg.Gateway.TextMode == "ollama" && cfg.Gateway.OllamaEndpoint == "" {
		return errors.New("gateway.ollama_endpoint must be set when text_mode=ollama")
	}
	if cfg.Gateway.PlaceholderVoice == "" {
		return errors.New("gateway.placeholder_voice must not be empty")
	}
	if cfg.Gateway.SampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("gateway.sample_rate must be %d, the rate the speech backends return", audio.DefaultSampleRate)
	}
	if cfg.Playback.ChunkDurationMS <= 0 {
		return errors.New("playback.chunk_duration_ms must be positive")
	}
	if cfg.Playback.TurnGapMS < 0 {
		return errors.New("playback.turn_gap_ms must be >= 0")
	}
	if cfg.Playback.PublishFrames && !cfg.Bus.Enabled {
		return errors.New("playback.publish_frames requires bus.enabled")
	}
	switch cfg.Artifacts.Store {
	case "memory":
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("artifacts.store=nats requires bus.enabled")
		}
		if cfg.Artifacts.Bucket == "" {
			return errors.New("artifacts.bucket must be set when store=nats")
		}
	default:
		return errors.New("artifacts.store must be one of memory|nats")
	}
	if cfg.Artifacts.FilePrefix == "" {
		return errors.New("artifacts.file_prefix must not be empty")
	}
	if cfg.Artifacts.ReleaseDelayMS < 0 {
		return errors.New("artifacts.release_delay_ms must be >= 0")
	}
	return nil
}
