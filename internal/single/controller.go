package single

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/jinro-voice/internal/artifact"
	"github.com/loqalabs/jinro-voice/internal/audio"
	"github.com/loqalabs/jinro-voice/internal/eventstore"
	"github.com/loqalabs/jinro-voice/internal/gateway"
	"github.com/loqalabs/jinro-voice/internal/playback"
	"github.com/loqalabs/jinro-voice/internal/session"
)

const (
	msgSynthesisFailed = "音声の生成に失敗しました。"
	msgRewriteFailed   = "セリフの演技指導に失敗しました。もう一度お試しください。"
	msgPlaybackFailed  = "再生中にエラーが発生しました。"
)

var ErrRewriteInFlight = errors.New("rewrite already in progress")

// Synthesizer renders one line of speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, style string) (*gateway.Result, error)
}

// Rewriter dramatizes one line in a persona.
type Rewriter interface {
	Rewrite(ctx context.Context, text, style string) (string, error)
}

// Source is where the audio for a play request comes from.
type Source string

const (
	SourceNone      Source = "none"
	SourceCached    Source = "cached"
	SourcePreloaded Source = "preloaded"
	SourceGenerated Source = "generated"
)

// Decide picks the playback source for sel. A cached artifact wins; the
// shipped asset is used only for the style's exact template and default
// voice; anything else is generated.
func Decide(sel session.Selection, cached bool) Source {
	if strings.TrimSpace(sel.Text) == "" {
		return SourceNone
	}
	if cached {
		return SourceCached
	}
	if sel.IsTemplate() && sel.Voice == sel.Style.DefaultVoice &&
		sel.Style.AudioSrc != "" && !sel.Style.IsCustom() {
		return SourcePreloaded
	}
	return SourceGenerated
}

// Controller drives single-line playback for a session.
type Controller struct {
	speech     Synthesizer
	rewriter   Rewriter
	filePrefix string
	clock      func() time.Time
	logger     *slog.Logger
}

func NewController(speech Synthesizer, rewriter Rewriter, filePrefix string, logger *slog.Logger) *Controller {
	if filePrefix == "" {
		filePrefix = "jinro-voice"
	}
	return &Controller{
		speech:     speech,
		rewriter:   rewriter,
		filePrefix: filePrefix,
		clock:      time.Now,
		logger:     logger.With(slog.String("component", "single")),
	}
}

// Play toggles single-line playback and returns once playback ends or is
// superseded. Superseded work returns nil.
func (c *Controller) Play(ctx context.Context, s *session.Session) error {
	run, err := c.Prepare(s)
	if err != nil || run == nil {
		return err
	}
	return run(ctx)
}

// Prepare performs the toggle synchronously. A busy session is stopped and
// nil is returned; otherwise the session is claimed for a new epoch and the
// returned func plays the line from the decided source. Play is refused
// while the line is being rewritten.
func (c *Controller) Prepare(s *session.Session) (func(context.Context) error, error) {
	sel := s.Selection()
	current, cached := s.Artifacts().Get()
	source := Decide(sel, cached)
	if source == SourceNone {
		s.Stop()
		return nil, nil
	}
	tok, started, err := s.Toggle(session.StateGenerating)
	if err != nil {
		if errors.Is(err, session.ErrRewriting) {
			return nil, ErrRewriteInFlight
		}
		return nil, err
	}
	if !started {
		return nil, nil
	}
	return func(ctx context.Context) error {
		return c.run(ctx, s, tok, sel, current, source)
	}, nil
}

func (c *Controller) run(ctx context.Context, s *session.Session, tok session.Token, sel session.Selection, current artifact.Artifact, source Source) error {
	if !s.Valid(tok) {
		return nil
	}
	if source == SourceCached {
		clip, err := c.load(ctx, s, current)
		if err == nil {
			return c.play(ctx, s, tok, clip, sel, source)
		}
		if !s.Valid(tok) {
			return nil
		}
		c.logger.Warn("replay failed, falling back to generation", slog.String("session_id", s.ID()), slogError(err))
		s.DropArtifact(tok)
		source = Decide(sel, false)
	}

	if source == SourcePreloaded {
		asset := artifact.Artifact{
			Ref:      sel.Style.AudioSrc,
			Filename: fmt.Sprintf("%s-%s.wav", c.filePrefix, sel.Style.ID),
		}
		clip, err := c.load(ctx, s, asset)
		if !s.Valid(tok) {
			return nil
		}
		if err == nil {
			s.CommitArtifact(tok, asset)
			return c.play(ctx, s, tok, clip, sel, source)
		}
		c.logger.Warn("preloaded audio unavailable, generating", slog.String("style", sel.Style.ID), slogError(err))
	}

	return c.generate(ctx, s, tok, sel)
}

func (c *Controller) generate(ctx context.Context, s *session.Session, tok session.Token, sel session.Selection) error {
	s.DropArtifact(tok)
	res, err := c.speech.Synthesize(ctx, sel.Text, sel.Voice, sel.StylePrompt())
	if !s.Valid(tok) {
		return nil
	}
	if err != nil {
		s.Fail(tok, msgSynthesisFailed)
		s.Record(ctx, eventstore.Event{Kind: eventstore.KindSynthesize, Voice: sel.Voice, Status: "failed", Detail: err.Error()})
		return err
	}
	s.Record(ctx, eventstore.Event{Kind: eventstore.KindSynthesize, Voice: sel.Voice, Status: "ok"})

	filename := fmt.Sprintf("%s-%s-%d.wav", c.filePrefix, sel.Style.ID, c.clock().UnixMilli())
	a, err := s.Artifacts().Create(ctx, res.WAV(), filename)
	if err != nil {
		c.logger.Warn("failed to store generated audio", slog.String("session_id", s.ID()), slogError(err))
	} else if !s.CommitArtifact(tok, a) {
		return nil
	}
	return c.play(ctx, s, tok, playback.Clip{Buffer: res.Buffer, PCM: res.PCM}, sel, SourceGenerated)
}

func (c *Controller) load(ctx context.Context, s *session.Session, a artifact.Artifact) (playback.Clip, error) {
	data, err := s.Artifacts().Open(ctx, a)
	if err != nil {
		return playback.Clip{}, err
	}
	buf, pcm, err := audio.ReadWAV(bytes.NewReader(data))
	if err != nil {
		return playback.Clip{}, err
	}
	return playback.Clip{Buffer: buf, PCM: pcm}, nil
}

func (c *Controller) play(ctx context.Context, s *session.Session, tok session.Token, clip playback.Clip, sel session.Selection, source Source) error {
	src, err := s.Output().Start(clip, playback.Meta{SessionID: s.ID(), Label: sel.Style.ID})
	if err != nil {
		s.Fail(tok, msgPlaybackFailed)
		return err
	}
	if !s.Attach(tok, src) {
		return nil
	}
	s.Record(ctx, eventstore.Event{Kind: eventstore.KindPlayback, Voice: sel.Voice, Status: "started", Detail: string(source)})

	select {
	case <-src.Done():
	case <-ctx.Done():
		src.Stop()
		<-src.Done()
	}
	s.Finish(tok)
	return nil
}

// Dramatize rewrites the session's line in the active persona. Blank text
// is left alone.
func (c *Controller) Dramatize(ctx context.Context, s *session.Session) error {
	sel := s.Selection()
	if strings.TrimSpace(sel.Text) == "" {
		return nil
	}
	tok, ok := s.BeginRewrite()
	if !ok {
		return ErrRewriteInFlight
	}
	out, err := c.rewriter.Rewrite(ctx, sel.Text, sel.StylePrompt())
	if err != nil {
		s.EndRewrite(tok, "", msgRewriteFailed)
		s.Record(ctx, eventstore.Event{Kind: eventstore.KindRewrite, Status: "failed", Detail: err.Error()})
		return err
	}
	if s.EndRewrite(tok, out, "") {
		s.Record(ctx, eventstore.Event{Kind: eventstore.KindRewrite, Status: "ok"})
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
