package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/jinro-voice/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSpeech struct {
	pcm  []byte
	err  error
	reqs []SpeechRequest
}

func (f *fakeSpeech) GenerateSpeech(_ context.Context, req SpeechRequest) ([]byte, error) {
	f.reqs = append(f.reqs, req)
	return f.pcm, f.err
}

type fakeText struct {
	out  string
	err  error
	reqs []TextRequest
}

func (f *fakeText) GenerateText(_ context.Context, req TextRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.out, f.err
}

func newGateway(speech SpeechModel, text TextModel) *Gateway {
	return New(speech, text, Options{PlaceholderVoice: "Puck", SampleRate: audio.DefaultSampleRate}, newLogger())
}

func TestSynthesizeDeclaresPlaceholderSpeaker(t *testing.T) {
	speech := &fakeSpeech{pcm: make([]byte, 480)}
	g := newGateway(speech, &fakeText{})

	res, err := g.Synthesize(context.Background(), "こんばんは", "Kore", "The Seer")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.Buffer.Frames() != 240 || res.Buffer.SampleRate != audio.DefaultSampleRate {
		t.Fatalf("unexpected buffer %d frames @ %d", res.Buffer.Frames(), res.Buffer.SampleRate)
	}
	if len(speech.reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(speech.reqs))
	}
	req := speech.reqs[0]
	if req.Prompt != "The Seer\n\nSpeaker: こんばんは" {
		t.Fatalf("unexpected prompt %q", req.Prompt)
	}
	if len(req.Speakers) != 2 {
		t.Fatalf("expected two speakers, got %d", len(req.Speakers))
	}
	if req.Speakers[0] != (Speaker{Name: "Speaker", Voice: "Kore"}) {
		t.Fatalf("unexpected target speaker %+v", req.Speakers[0])
	}
	if req.Speakers[1] != (Speaker{Name: "Interactant", Voice: "Puck"}) {
		t.Fatalf("unexpected placeholder speaker %+v", req.Speakers[1])
	}
}

func TestSynthesizeWithoutStyle(t *testing.T) {
	speech := &fakeSpeech{pcm: []byte{0, 0}}
	g := newGateway(speech, &fakeText{})
	if _, err := g.Synthesize(context.Background(), "hello", "Puck", ""); err != nil {
		t.Fatal(err)
	}
	if speech.reqs[0].Prompt != "Speaker: hello" {
		t.Fatalf("unexpected prompt %q", speech.reqs[0].Prompt)
	}
}

func TestSynthesizeNoAudio(t *testing.T) {
	g := newGateway(&fakeSpeech{}, &fakeText{})
	_, err := g.Synthesize(context.Background(), "hello", "Puck", "")
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestSynthesizeBackendFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	g := newGateway(&fakeSpeech{err: boom}, &fakeText{})
	_, err := g.Synthesize(context.Background(), "hello", "Puck", "")
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped SynthesisError, got %v", err)
	}
	if synthErr.Voice != "Puck" {
		t.Fatalf("unexpected voice %q", synthErr.Voice)
	}
}

func TestSynthesizeOddPayload(t *testing.T) {
	g := newGateway(&fakeSpeech{pcm: []byte{1, 2, 3}}, &fakeText{})
	_, err := g.Synthesize(context.Background(), "hello", "Puck", "")
	var decErr *audio.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestRewrite(t *testing.T) {
	text := &fakeText{out: "  書き直したセリフ  "}
	g := newGateway(&fakeSpeech{}, text)

	out, err := g.Rewrite(context.Background(), "元のセリフ", "人狼")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out != "書き直したセリフ" {
		t.Fatalf("unexpected rewrite %q", out)
	}
	prompt := text.reqs[0].Prompt
	if !strings.Contains(prompt, "役職/シチュエーション: 人狼") || !strings.Contains(prompt, "元のセリフ") {
		t.Fatalf("prompt missing persona or input: %q", prompt)
	}
}

func TestRewriteDefaultPersona(t *testing.T) {
	text := &fakeText{out: "x"}
	g := newGateway(&fakeSpeech{}, text)
	if _, err := g.Rewrite(context.Background(), "line", ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.reqs[0].Prompt, defaultPersona) {
		t.Fatalf("expected default persona in prompt")
	}
}

func TestRewriteEmptyResponseKeepsOriginal(t *testing.T) {
	g := newGateway(&fakeSpeech{}, &fakeText{out: "   "})
	out, err := g.Rewrite(context.Background(), "original", "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "original" {
		t.Fatalf("expected original text, got %q", out)
	}
}

func TestRewriteFailurePropagates(t *testing.T) {
	g := newGateway(&fakeSpeech{}, &fakeText{err: errors.New("503")})
	_, err := g.Rewrite(context.Background(), "original", "")
	var rwErr *RewriteError
	if !errors.As(err, &rwErr) {
		t.Fatalf("expected RewriteError, got %v", err)
	}
}

var sixRoles = []string{"gamemaster", "werewolf", "seer", "madman", "villager", "medium"}

func TestGenerateScriptParsesTurns(t *testing.T) {
	text := &fakeText{out: `{"turns":[{"roleId":"seer","text":"彼が人狼です"},{"roleId":"werewolf","text":"嘘だ"}]}`}
	g := newGateway(&fakeSpeech{}, text)

	script, err := g.GenerateScript(context.Background(), "占い師の対立", sixRoles, ScriptDay)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if len(script.Turns) != 2 || script.Turns[0].RoleID != "seer" || script.Turns[1].Text != "嘘だ" {
		t.Fatalf("unexpected turns %+v", script.Turns)
	}
	if len(script.UnknownRoles) != 0 {
		t.Fatalf("unexpected unknown roles %v", script.UnknownRoles)
	}
	req := text.reqs[0]
	if req.Format != FormatScript || req.Mode != ScriptDay {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.Prompt, "5 to 8 turns") || !strings.Contains(req.Prompt, "占い師の対立") {
		t.Fatalf("day prompt framing missing: %q", req.Prompt)
	}
}

func TestGenerateScriptNightFraming(t *testing.T) {
	text := &fakeText{out: `{"turns":[]}`}
	g := newGateway(&fakeSpeech{}, text)
	if _, err := g.GenerateScript(context.Background(), "夜", sixRoles, ScriptNight); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.reqs[0].Prompt, "4 to 6 turns") {
		t.Fatalf("night prompt framing missing")
	}
}

func TestGenerateScriptReportsUnknownRoles(t *testing.T) {
	text := &fakeText{out: `{"turns":[{"roleId":"hunter","text":"a"},{"roleId":"seer","text":"b"},{"roleId":"fox","text":"c"}]}`}
	g := newGateway(&fakeSpeech{}, text)
	script, err := g.GenerateScript(context.Background(), "scene", sixRoles, ScriptNight)
	if err != nil {
		t.Fatal(err)
	}
	if len(script.Turns) != 3 {
		t.Fatalf("unknown roles must not be dropped, got %d turns", len(script.Turns))
	}
	if len(script.UnknownRoles) != 2 || script.UnknownRoles[0] != 0 || script.UnknownRoles[1] != 2 {
		t.Fatalf("unexpected unknown roles %v", script.UnknownRoles)
	}
}

func TestGenerateScriptLenientShapes(t *testing.T) {
	for _, out := range []string{"", "{}", `{"other":1}`, `{"turns":null}`} {
		g := newGateway(&fakeSpeech{}, &fakeText{out: out})
		script, err := g.GenerateScript(context.Background(), "scene", sixRoles, ScriptNight)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", out, err)
		}
		if len(script.Turns) != 0 {
			t.Fatalf("%q: expected empty script", out)
		}
	}
}

func TestGenerateScriptUnparseable(t *testing.T) {
	g := newGateway(&fakeSpeech{}, &fakeText{out: "turns: maybe"})
	_, err := g.GenerateScript(context.Background(), "scene", sixRoles, ScriptDay)
	var scriptErr *ScriptGenerationError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected ScriptGenerationError, got %v", err)
	}
	if scriptErr.Mode != ScriptDay {
		t.Fatalf("unexpected mode %q", scriptErr.Mode)
	}
}

func TestGenerateScriptBackendFailure(t *testing.T) {
	g := newGateway(&fakeSpeech{}, &fakeText{err: errors.New("down")})
	var scriptErr *ScriptGenerationError
	if _, err := g.GenerateScript(context.Background(), "scene", sixRoles, ScriptNight); !errors.As(err, &scriptErr) {
		t.Fatalf("expected ScriptGenerationError, got %v", err)
	}
}

func TestMockDayScriptUsesAllowedRoles(t *testing.T) {
	g := newGateway(NewMockSpeech(), NewMockText())
	script, err := g.GenerateScript(context.Background(), "占い師の対立", sixRoles, ScriptDay)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(script.Turns); n < 5 || n > 8 {
		t.Fatalf("expected 5-8 turns, got %d", n)
	}
	if len(script.UnknownRoles) != 0 {
		t.Fatalf("mock script referenced unknown roles %v", script.UnknownRoles)
	}
}

func TestMockSpeechDecodes(t *testing.T) {
	g := newGateway(NewMockSpeech(), NewMockText())
	res, err := g.Synthesize(context.Background(), "テスト", "Kore", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Buffer.Frames() == 0 {
		t.Fatal("expected audio frames")
	}
	payload, err := audio.WAVPayload(res.WAV())
	if err != nil || len(payload) != len(res.PCM) {
		t.Fatalf("unexpected wav payload: %v", err)
	}
}

func TestMockSpeechHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSpeech().GenerateSpeech(ctx, SpeechRequest{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
