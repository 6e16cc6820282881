package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/jinro-voice/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/jinro-voice/internal/gateway"

type Options struct {
	PlaceholderVoice string
	SampleRate       int
}

// Gateway issues remote speech, rewrite and script requests and normalizes
// their responses. It adds no timeouts of its own.
type Gateway struct {
	speech   SpeechModel
	text     TextModel
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func New(speech SpeechModel, text TextModel, opts Options, logger *slog.Logger) *Gateway {
	if opts.PlaceholderVoice == "" {
		opts.PlaceholderVoice = "Puck"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	g := &Gateway{
		speech: speech,
		text:   text,
		opts:   opts,
		logger: logger.With(slog.String("component", "gateway")),
		tracer: otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if g.requests, err = meter.Int64Counter("jinro.gateway.requests", metric.WithDescription("Remote gateway calls")); err != nil {
		g.logger.Warn("gateway request counter unavailable", slogError(err))
		g.requests = noop.Int64Counter{}
	}
	if g.failures, err = meter.Int64Counter("jinro.gateway.failures", metric.WithDescription("Failed remote gateway calls")); err != nil {
		g.logger.Warn("gateway failure counter unavailable", slogError(err))
		g.failures = noop.Int64Counter{}
	}
	if g.duration, err = meter.Float64Histogram("jinro.gateway.duration",
		metric.WithDescription("Remote gateway call latency"), metric.WithUnit("ms")); err != nil {
		g.logger.Warn("gateway latency histogram unavailable", slogError(err))
		g.duration = noop.Float64Histogram{}
	}
	return g
}

// Synthesize renders one line with the target voice. The request always
// declares a second placeholder speaker; only the target channel is used.
func (g *Gateway) Synthesize(ctx context.Context, text, voice, style string) (*Result, error) {
	ctx, span, done := g.start(ctx, "synthesize", attribute.String("voice", voice))
	defer done()

	started := time.Now()
	req := SpeechRequest{
		Prompt: speechPrompt(text, style),
		Speakers: []Speaker{
			{Name: targetSpeaker, Voice: voice},
			{Name: placeholderSpeaker, Voice: g.opts.PlaceholderVoice},
		},
		SampleRate: g.opts.SampleRate,
	}
	pcm, err := g.speech.GenerateSpeech(ctx, req)
	if err == nil && len(pcm) == 0 {
		err = ErrNoAudio
	}
	if err != nil {
		err = &SynthesisError{Voice: voice, Err: err}
		g.fail(ctx, span, "synthesize", err)
		return nil, err
	}

	buf, err := audio.DecodePCM(pcm, g.opts.SampleRate, 1)
	if err != nil {
		g.fail(ctx, span, "synthesize", err)
		return nil, err
	}
	g.logger.Debug("speech synthesized",
		slog.String("voice", voice),
		slog.Int("bytes", len(pcm)),
		slog.Duration("audio", buf.Duration()),
		slog.Duration("latency", time.Since(started)))
	return &Result{Buffer: buf, PCM: pcm}, nil
}

// Rewrite asks for a dramatized version of text in the given persona. An
// empty response yields the original text.
func (g *Gateway) Rewrite(ctx context.Context, text, style string) (string, error) {
	ctx, span, done := g.start(ctx, "rewrite")
	defer done()

	out, err := g.text.GenerateText(ctx, TextRequest{
		Prompt: rewritePrompt(text, style),
		Format: FormatText,
		Input:  text,
	})
	if err != nil {
		err = &RewriteError{Err: err}
		g.fail(ctx, span, "rewrite", err)
		return "", err
	}
	if out = strings.TrimSpace(out); out == "" {
		return text, nil
	}
	return out, nil
}

type scriptPayload struct {
	Turns *[]Turn `json:"turns"`
}

// GenerateScript requests a multi-turn script. A response without a turns
// array yields an empty script. Turns naming a role outside allowed are kept
// and reported in Script.UnknownRoles.
func (g *Gateway) GenerateScript(ctx context.Context, scene string, allowed []string, mode ScriptMode) (Script, error) {
	ctx, span, done := g.start(ctx, "script", attribute.String("mode", string(mode)))
	defer done()

	raw, err := g.text.GenerateText(ctx, TextRequest{
		Prompt: scriptPrompt(scene, allowed, mode),
		Format: FormatScript,
		Input:  scene,
		Roles:  allowed,
		Mode:   mode,
	})
	if err != nil {
		err = &ScriptGenerationError{Mode: mode, Err: err}
		g.fail(ctx, span, "script", err)
		return Script{}, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	var payload scriptPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		err = &ScriptGenerationError{Mode: mode, Err: err}
		g.fail(ctx, span, "script", err)
		return Script{}, err
	}
	if payload.Turns == nil {
		return Script{}, nil
	}

	script := Script{Turns: *payload.Turns}
	permitted := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		permitted[id] = true
	}
	for i, t := range script.Turns {
		if !permitted[t.RoleID] {
			script.UnknownRoles = append(script.UnknownRoles, i)
		}
	}
	if len(script.UnknownRoles) > 0 {
		g.logger.Warn("script references roles outside the allowed set",
			slog.Int("turns", len(script.Turns)),
			slog.Int("unknown", len(script.UnknownRoles)))
	}
	return script, nil
}

// start opens the span of one remote call. done ends it and records the
// call latency.
func (g *Gateway) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func()) {
	opAttr := metric.WithAttributes(attribute.String("op", op))
	g.requests.Add(ctx, 1, opAttr)
	began := time.Now()
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	return ctx, span, func() {
		g.duration.Record(ctx, float64(time.Since(began))/float64(time.Millisecond), opAttr)
		span.End()
	}
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, op string, err error) {
	g.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) {
		return
	}
	g.logger.Warn("gateway call failed", slog.String("op", op), slogError(err))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
