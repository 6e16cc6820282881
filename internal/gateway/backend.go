package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/jinro-voice/internal/config"
)

// FromConfig builds a gateway with the backends selected by cfg.
func FromConfig(ctx context.Context, cfg config.GatewayConfig, logger *slog.Logger) (*Gateway, error) {
	var (
		speech SpeechModel
		text   TextModel
		client *GenAI
		err    error
	)
	genaiClient := func() (*GenAI, error) {
		if client != nil {
			return client, nil
		}
		client, err = NewGenAI(ctx, cfg.APIKey, cfg.SpeechModel, cfg.TextModel)
		return client, err
	}

	switch cfg.Mode {
	case "mock", "":
		speech = NewMockSpeech()
	case "genai":
		if speech, err = genaiClient(); err != nil {
			return nil, err
		}
	case "exec":
		if speech, err = NewExecSpeech(cfg.SpeechCommand); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}

	textMode := cfg.TextMode
	if textMode == "" {
		textMode = cfg.Mode
	}
	switch textMode {
	case "mock", "":
		text = NewMockText()
	case "genai":
		if text, err = genaiClient(); err != nil {
			return nil, err
		}
	case "exec":
		if text, err = NewExecText(cfg.TextCommand); err != nil {
			return nil, err
		}
	case "ollama":
		text = NewOllama(cfg.OllamaEndpoint, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unsupported gateway text mode %q", textMode)
	}

	logger.Info("gateway configured",
		slog.String("component", "gateway"),
		slog.String("speech_mode", cfg.Mode),
		slog.String("text_mode", textMode))
	return New(speech, text, Options{PlaceholderVoice: cfg.PlaceholderVoice, SampleRate: cfg.SampleRate}, logger), nil
}
