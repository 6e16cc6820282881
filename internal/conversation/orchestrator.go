package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/jinro-voice/internal/catalog"
	"github.com/loqalabs/jinro-voice/internal/eventstore"
	"github.com/loqalabs/jinro-voice/internal/gateway"
	"github.com/loqalabs/jinro-voice/internal/playback"
	"github.com/loqalabs/jinro-voice/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	instrumentationName = "github.com/loqalabs/jinro-voice/internal/conversation"

	msgScriptFailed   = "脚本の生成に失敗しました。"
	msgPlaybackFailed = "再生中にエラーが発生しました。"

	DefaultTurnGap = 200 * time.Millisecond
)

var ErrScriptInFlight = errors.New("script generation already in progress")

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, style string) (*gateway.Result, error)
}

type ScriptWriter interface {
	GenerateScript(ctx context.Context, scene string, allowed []string, mode gateway.ScriptMode) (gateway.Script, error)
}

// Orchestrator generates multi-turn scripts and plays them back: every
// missing turn is synthesized in order first, then the turns are played one
// after another with a short gap.
type Orchestrator struct {
	speech       Synthesizer
	writer       ScriptWriter
	gap          time.Duration
	logger       *slog.Logger
	turnFailures metric.Int64Counter
}

func New(speech Synthesizer, writer ScriptWriter, gap time.Duration, logger *slog.Logger) *Orchestrator {
	if gap <= 0 {
		gap = DefaultTurnGap
	}
	o := &Orchestrator{
		speech: speech,
		writer: writer,
		gap:    gap,
		logger: logger.With(slog.String("component", "conversation")),
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter("jinro.conversation.turn_failures",
		metric.WithDescription("Script turns whose audio could not be generated"))
	if err != nil {
		o.logger.Warn("turn failure counter unavailable", slogError(err))
		counter = noop.Int64Counter{}
	}
	o.turnFailures = counter
	return o
}

// ModeFor returns the script framing used for a discussion style.
func ModeFor(style catalog.Style) gateway.ScriptMode {
	if style.ID == catalog.DayDiscussionID {
		return gateway.ScriptDay
	}
	return gateway.ScriptNight
}

// GenerateScript replaces the session's script with one written for its
// scene. Playback is stopped first. A blank scene is a no-op.
func (o *Orchestrator) GenerateScript(ctx context.Context, s *session.Session) error {
	sel := s.Selection()
	if strings.TrimSpace(sel.Scene) == "" {
		return nil
	}
	tok, ok := s.BeginScript()
	if !ok {
		return ErrScriptInFlight
	}
	mode := ModeFor(sel.Style)
	script, err := o.writer.GenerateScript(ctx, sel.Scene, s.Catalog().RoleIDs(), mode)
	if err != nil {
		s.EndScript(tok, gateway.Script{}, msgScriptFailed)
		s.Record(ctx, eventstore.Event{Kind: eventstore.KindScript, Status: "failed", Detail: err.Error()})
		return err
	}
	if !s.EndScript(tok, script, "") {
		return nil
	}
	s.Record(ctx, eventstore.Event{
		Kind:   eventstore.KindScript,
		Status: "ok",
		Detail: fmt.Sprintf("mode=%s turns=%d unknown_roles=%d", mode, len(script.Turns), len(script.UnknownRoles)),
	})
	return nil
}

// Run toggles batch playback of the session's script and returns when the
// sequence ends or is superseded.
func (o *Orchestrator) Run(ctx context.Context, s *session.Session) error {
	run, err := o.Prepare(s)
	if err != nil || run == nil {
		return err
	}
	return run(ctx)
}

// Prepare performs the toggle synchronously. A busy session is stopped and
// nil is returned; otherwise the session is claimed and the returned func
// fills and plays the script.
func (o *Orchestrator) Prepare(s *session.Session) (func(context.Context) error, error) {
	turns, results := s.Script()
	if len(turns) == 0 {
		s.Stop()
		return nil, nil
	}
	tok, started, err := s.Toggle(session.StateGenerating)
	if err != nil {
		if errors.Is(err, session.ErrScripting) {
			return nil, ErrScriptInFlight
		}
		return nil, err
	}
	if !started {
		return nil, nil
	}
	return func(ctx context.Context) error {
		if !o.fill(ctx, s, tok, turns, results) {
			return nil
		}
		return o.playAll(ctx, s, tok, turns, results)
	}, nil
}

// fill synthesizes every turn without a cached result, strictly in order. A
// failed turn is left empty. It reports false once tok goes stale.
func (o *Orchestrator) fill(ctx context.Context, s *session.Session, tok session.Token, turns []gateway.Turn, results map[int]*gateway.Result) bool {
	for i, turn := range turns {
		if !s.Valid(tok) {
			return false
		}
		if results[i] != nil {
			continue
		}
		s.SetGenerating(tok, i)
		role, matched := s.Catalog().ResolveRole(turn.RoleID)
		if !matched {
			o.logger.Debug("unknown role in script, using fallback",
				slog.String("role_id", turn.RoleID),
				slog.String("fallback", role.ID))
		}
		res, err := o.speech.Synthesize(ctx, turn.Text, role.DefaultVoice, role.Description)
		if !s.Valid(tok) {
			return false
		}
		if err != nil {
			o.turnFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role.ID)))
			o.logger.Warn("failed to generate turn audio",
				slog.String("session_id", s.ID()),
				slog.Int("turn", i),
				slogError(err))
			s.Record(ctx, eventstore.Event{Kind: eventstore.KindSynthesize, Voice: role.DefaultVoice, Status: "failed", Detail: fmt.Sprintf("turn %d: %v", i, err)})
			continue
		}
		if s.StoreResult(tok, i, res) {
			results[i] = res
		}
	}
	return s.Valid(tok)
}

func (o *Orchestrator) playAll(ctx context.Context, s *session.Session, tok session.Token, turns []gateway.Turn, results map[int]*gateway.Result) error {
	defer s.Finish(tok)
	played := 0
	for i := range turns {
		res := results[i]
		if res == nil {
			continue
		}
		if !s.SetActive(tok, i) {
			return nil
		}
		src, err := s.Output().Start(playback.Clip{Buffer: res.Buffer, PCM: res.PCM},
			playback.Meta{SessionID: s.ID(), Label: fmt.Sprintf("turn-%d", i)})
		if err != nil {
			s.Fail(tok, msgPlaybackFailed)
			return err
		}
		if !s.Attach(tok, src) {
			return nil
		}
		select {
		case <-src.Done():
		case <-ctx.Done():
			src.Stop()
			return nil
		}
		if !s.Detach(tok, src) {
			return nil
		}
		played++

		gap := time.NewTimer(o.gap)
		select {
		case <-gap.C:
		case <-ctx.Done():
			gap.Stop()
			return nil
		}
	}
	s.Record(ctx, eventstore.Event{
		Kind:   eventstore.KindPlayback,
		Status: "completed",
		Detail: fmt.Sprintf("played %d of %d turns", played, len(turns)),
	})
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
