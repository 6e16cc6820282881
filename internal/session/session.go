package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/jinro-voice/internal/artifact"
	"github.com/loqalabs/jinro-voice/internal/catalog"
	"github.com/loqalabs/jinro-voice/internal/eventstore"
	"github.com/loqalabs/jinro-voice/internal/gateway"
	"github.com/loqalabs/jinro-voice/internal/playback"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrUnknownVoice = errors.New("unknown voice")
	ErrRewriting    = errors.New("line is being rewritten")
	ErrScripting    = errors.New("script is being generated")
)

type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StatePlaying    State = "playing"
)

// Token is the generation epoch an operation started under. It stays valid
// until the next stop, cancel or selection change.
type Token uint64

// History receives the session's generation timeline.
type History interface {
	AppendSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Session is the state one user works against: the selected style and
// inputs, the generation epoch, the active playback and the download
// artifact. Controllers own no state of their own.
type Session struct {
	id        string
	created   time.Time
	catalog   *catalog.Catalog
	artifacts *artifact.Manager
	history   History
	newOutput func() playback.Output
	logger    *slog.Logger

	mu           sync.Mutex
	epoch        uint64
	state        State
	style        catalog.Style
	text         string
	voice        string
	customPrompt string
	scene        string
	script       []gateway.Turn
	unknownRoles []int
	results      map[int]*gateway.Result
	generating   int
	active       int
	rewriting    bool
	scripting    bool
	lastErr      string
	source       playback.Source
	output       playback.Output
}

func newSession(id string, cat *catalog.Catalog, artifacts *artifact.Manager, history History, newOutput func() playback.Output, logger *slog.Logger) *Session {
	first := cat.First()
	return &Session{
		id:         id,
		created:    time.Now().UTC(),
		catalog:    cat,
		artifacts:  artifacts,
		history:    history,
		newOutput:  newOutput,
		logger:     logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		state:      StateIdle,
		style:      first,
		text:       first.TemplateText,
		voice:      first.DefaultVoice,
		results:    make(map[int]*gateway.Result),
		generating: -1,
		active:     -1,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Catalog() *catalog.Catalog { return s.catalog }

func (s *Session) Artifacts() *artifact.Manager { return s.artifacts }

// Output returns the session's playback output, creating it on first use.
func (s *Session) Output() playback.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output == nil {
		s.output = s.newOutput()
	}
	return s.output
}

// Toggle stops a busy session, or starts a new epoch in state when the
// session is idle. started is false when the call stopped the session. An
// idle session with a rewrite or script in flight is left alone.
func (s *Session) Toggle(state State) (tok Token, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.source != nil {
		s.haltLocked()
		return 0, false, nil
	}
	if s.rewriting {
		return 0, false, ErrRewriting
	}
	if s.scripting {
		return 0, false, ErrScripting
	}
	s.haltLocked()
	s.state = state
	s.lastErr = ""
	return Token(s.epoch), true, nil
}

// Token returns the current epoch without invalidating anything.
func (s *Session) Token() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token(s.epoch)
}

func (s *Session) Valid(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token(s.epoch) == tok
}

// Stop halts playback and invalidates in-flight generation. Stopping an idle
// session changes nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle && s.source == nil {
		return
	}
	s.haltLocked()
}

func (s *Session) haltLocked() {
	if s.source != nil {
		s.source.Stop()
		s.source = nil
	}
	s.epoch++
	s.state = StateIdle
	s.generating = -1
	s.active = -1
}

// Attach records src as the active playback if tok is still current. A
// stale source is stopped immediately.
func (s *Session) Attach(tok Token, src playback.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok {
		src.Stop()
		return false
	}
	s.source = src
	s.state = StatePlaying
	s.generating = -1
	return true
}

// Detach clears src once it has ended. It reports whether tok was current.
func (s *Session) Detach(tok Token, src playback.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == src {
		s.source = nil
	}
	return Token(s.epoch) == tok
}

// Finish returns a still-current operation to idle.
func (s *Session) Finish(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok {
		return
	}
	if s.source != nil {
		s.source.Stop()
		s.source = nil
	}
	s.state = StateIdle
	s.generating = -1
	s.active = -1
}

// Fail returns a still-current operation to idle with a user-visible error.
func (s *Session) Fail(tok Token, msg string) {
	s.mu.Lock()
	if Token(s.epoch) == tok {
		s.lastErr = msg
	}
	s.mu.Unlock()
	s.Finish(tok)
}

// CommitArtifact sets the download artifact if tok is still current.
// A stale artifact is released instead.
func (s *Session) CommitArtifact(tok Token, a artifact.Artifact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok {
		s.artifacts.Release(a)
		return false
	}
	s.artifacts.Set(a)
	return true
}

// DropArtifact clears the download artifact if tok is still current.
func (s *Session) DropArtifact(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) == tok {
		s.artifacts.Clear()
	}
}

func (s *Session) SetGenerating(tok Token, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok {
		return false
	}
	s.state = StateGenerating
	s.generating = index
	return true
}

func (s *Session) SetActive(tok Token, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok {
		return false
	}
	s.state = StatePlaying
	s.generating = -1
	s.active = index
	return true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether generation or playback is in progress.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle || s.source != nil
}

// resetLocked forces the session idle and bumps the epoch even when idle,
// so pending rewrites and scripts are dropped.
func (s *Session) resetLocked() {
	s.haltLocked()
	s.lastErr = ""
}

// SelectStyle switches to a catalog style. Discussion styles load their
// template into the scene and drop the script; role styles load their
// template text and default voice.
func (s *Session) SelectStyle(id string) error {
	style, err := s.catalog.Lookup(id)
	if err != nil {
		return err
	}
	if style.IsCustom() {
		s.Customize()
		return nil
	}
	s.mu.Lock()
	s.resetLocked()
	s.style = style
	if style.IsDiscussion() {
		s.scene = style.TemplateText
		s.setScriptLocked(nil, nil)
	} else {
		s.text = style.TemplateText
		s.voice = style.DefaultVoice
	}
	s.artifacts.Clear()
	s.mu.Unlock()
	return nil
}

// Customize switches to the custom style, keeping an edited persona prompt.
func (s *Session) Customize() {
	custom := s.catalog.Custom()
	s.mu.Lock()
	s.resetLocked()
	s.style = custom
	s.text = custom.TemplateText
	if s.customPrompt == "" {
		s.customPrompt = custom.Description
	}
	s.artifacts.Clear()
	s.mu.Unlock()
}

// SetText replaces the line to be spoken. An actual change stops playback
// and invalidates the download artifact.
func (s *Session) SetText(text string) {
	s.mu.Lock()
	if text == s.text {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.text = text
	s.artifacts.Clear()
	s.mu.Unlock()
}

func (s *Session) SetVoice(voice string) error {
	known := false
	for _, v := range s.catalog.Voices() {
		if v.Name == voice {
			known = true
			break
		}
	}
	if !known {
		return ErrUnknownVoice
	}
	s.mu.Lock()
	if voice == s.voice {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked()
	s.voice = voice
	s.artifacts.Clear()
	s.mu.Unlock()
	return nil
}

func (s *Session) SetCustomPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customPrompt = prompt
}

func (s *Session) SetScene(scene string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = scene
}

// Selection is a consistent copy of the user's inputs.
type Selection struct {
	Style        catalog.Style
	Text         string
	Voice        string
	CustomPrompt string
	Scene        string
}

// StylePrompt is the persona instruction for the selected style.
func (sel Selection) StylePrompt() string {
	if sel.Style.IsCustom() {
		return sel.CustomPrompt
	}
	return sel.Style.Description
}

// IsTemplate reports whether the text is the style's unmodified template.
func (sel Selection) IsTemplate() bool {
	return strings.TrimSpace(sel.Text) == strings.TrimSpace(sel.Style.TemplateText)
}

func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

func (s *Session) selectionLocked() Selection {
	return Selection{
		Style:        s.style,
		Text:         s.text,
		Voice:        s.voice,
		CustomPrompt: s.customPrompt,
		Scene:        s.scene,
	}
}

// BeginRewrite marks a rewrite in flight. It fails if one already is.
func (s *Session) BeginRewrite() (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rewriting {
		return 0, false
	}
	s.rewriting = true
	s.lastErr = ""
	return Token(s.epoch), true
}

// EndRewrite applies a rewritten line if nothing changed meanwhile.
func (s *Session) EndRewrite(tok Token, text string, errMsg string) bool {
	s.mu.Lock()
	s.rewriting = false
	if Token(s.epoch) != tok {
		s.mu.Unlock()
		return false
	}
	if errMsg != "" {
		s.lastErr = errMsg
		s.mu.Unlock()
		return true
	}
	if text != s.text {
		s.text = text
		s.artifacts.Clear()
	}
	s.mu.Unlock()
	return true
}

// BeginScript marks script generation in flight, stopping playback and
// dropping the previous script.
func (s *Session) BeginScript() (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scripting {
		return 0, false
	}
	s.resetLocked()
	s.scripting = true
	s.setScriptLocked(nil, nil)
	return Token(s.epoch), true
}

// EndScript installs a generated script if nothing changed meanwhile.
func (s *Session) EndScript(tok Token, script gateway.Script, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripting = false
	if Token(s.epoch) != tok {
		return false
	}
	if errMsg != "" {
		s.lastErr = errMsg
		return true
	}
	s.setScriptLocked(script.Turns, script.UnknownRoles)
	return true
}

func (s *Session) setScriptLocked(turns []gateway.Turn, unknown []int) {
	s.script = turns
	s.unknownRoles = unknown
	s.results = make(map[int]*gateway.Result)
}

// Script returns the current turns and a copy of the cached results.
func (s *Session) Script() ([]gateway.Turn, map[int]*gateway.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[int]*gateway.Result, len(s.results))
	for i, r := range s.results {
		results[i] = r
	}
	return append([]gateway.Turn(nil), s.script...), results
}

// StoreResult caches the audio for turn index if tok is still current.
func (s *Session) StoreResult(tok Token, index int, r *gateway.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if Token(s.epoch) != tok || index < 0 || index >= len(s.script) {
		return false
	}
	s.results[index] = r
	return true
}

// Record appends evt to the session history. Failures are logged only.
func (s *Session) Record(ctx context.Context, evt eventstore.Event) {
	if s.history == nil {
		return
	}
	evt.SessionID = s.id
	if evt.StyleID == "" {
		evt.StyleID = s.Selection().Style.ID
	}
	if err := s.history.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("failed to record history", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
	}
}

func (s *Session) History(ctx context.Context, limit int) ([]eventstore.Event, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListSessionEvents(ctx, s.id, limit)
}

// Close stops everything and releases the session's artifacts.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.haltLocked()
	s.mu.Unlock()
	s.artifacts.Close()
	if s.history != nil {
		if err := s.history.EndSession(ctx, s.id); err != nil {
			s.logger.Warn("failed to end session history", slog.String("error", err.Error()))
		}
	}
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	ID              string             `json:"id"`
	CreatedAt       time.Time          `json:"created_at"`
	State           State              `json:"state"`
	Style           catalog.Style      `json:"style"`
	Text            string             `json:"text"`
	Voice           string             `json:"voice"`
	CustomPrompt    string             `json:"custom_prompt,omitempty"`
	Scene           string             `json:"scene"`
	Script          []gateway.Turn     `json:"script"`
	UnknownRoles    []int              `json:"unknown_roles,omitempty"`
	Results         []int              `json:"results"`
	GeneratingIndex *int               `json:"generating_index"`
	ActiveIndex     *int               `json:"active_index"`
	Rewriting       bool               `json:"rewriting"`
	Scripting       bool               `json:"scripting"`
	CanDramatize    bool               `json:"can_dramatize"`
	CanDownload     bool               `json:"can_download"`
	Artifact        *artifact.Artifact `json:"artifact,omitempty"`
	Error           string             `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	current, hasArtifact := s.artifacts.Get()

	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.selectionLocked()
	snap := Snapshot{
		ID:           s.id,
		CreatedAt:    s.created,
		State:        s.state,
		Style:        s.style,
		Text:         s.text,
		Voice:        s.voice,
		CustomPrompt: s.customPrompt,
		Scene:        s.scene,
		Script:       append([]gateway.Turn{}, s.script...),
		UnknownRoles: append([]int(nil), s.unknownRoles...),
		Results:      make([]int, 0, len(s.results)),
		Rewriting:    s.rewriting,
		Scripting:    s.scripting,
		CanDramatize: !s.rewriting && strings.TrimSpace(s.text) != "" && !sel.IsTemplate(),
		CanDownload:  hasArtifact && !sel.IsTemplate(),
		Error:        s.lastErr,
	}
	for i := range s.results {
		snap.Results = append(snap.Results, i)
	}
	sort.Ints(snap.Results)
	if s.generating >= 0 {
		idx := s.generating
		snap.GeneratingIndex = &idx
	}
	if s.active >= 0 {
		idx := s.active
		snap.ActiveIndex = &idx
	}
	if hasArtifact {
		snap.Artifact = &current
	}
	return snap
}
