package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/loqalabs/jinro-voice/internal/artifact"
	"github.com/loqalabs/jinro-voice/internal/catalog"
	"github.com/loqalabs/jinro-voice/internal/conversation"
	"github.com/loqalabs/jinro-voice/internal/eventstore"
	"github.com/loqalabs/jinro-voice/internal/session"
	"github.com/loqalabs/jinro-voice/internal/single"
)

const maxBodyBytes = 64 << 10

type Deps struct {
	Catalog      *catalog.Catalog
	Sessions     *session.Registry
	Single       *single.Controller
	Conversation *conversation.Orchestrator
}

// Server exposes the voice maker sessions over HTTP. Play requests run in
// the background, bound to the server context.
type Server struct {
	ctx    context.Context
	deps   Deps
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(ctx context.Context, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		ctx:    ctx,
		deps:   deps,
		logger: logger.With(slog.String("component", "api")),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/styles", s.handleStyles)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	mux.HandleFunc("GET /v1/languages", s.handleLanguages)

	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.withSession(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("PUT /v1/sessions/{id}/style", s.withSession(s.handleSelectStyle))
	mux.HandleFunc("POST /v1/sessions/{id}/customize", s.withSession(s.handleCustomize))
	mux.HandleFunc("PUT /v1/sessions/{id}/text", s.withSession(s.handleSetText))
	mux.HandleFunc("PUT /v1/sessions/{id}/voice", s.withSession(s.handleSetVoice))
	mux.HandleFunc("PUT /v1/sessions/{id}/custom-prompt", s.withSession(s.handleSetCustomPrompt))
	mux.HandleFunc("PUT /v1/sessions/{id}/scene", s.withSession(s.handleSetScene))

	mux.HandleFunc("POST /v1/sessions/{id}/play", s.withSession(s.handlePlay))
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.withSession(s.handleStop))
	mux.HandleFunc("POST /v1/sessions/{id}/dramatize", s.withSession(s.handleDramatize))
	mux.HandleFunc("POST /v1/sessions/{id}/script", s.withSession(s.handleScript))
	mux.HandleFunc("POST /v1/sessions/{id}/conversation/play", s.withSession(s.handleConversationPlay))

	mux.HandleFunc("GET /v1/sessions/{id}/download", s.withSession(s.handleDownload))
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.withSession(s.handleHistory))
}

// Wait blocks until background playback started by the server has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.deps.Sessions.Get(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) handleStyles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"styles": s.deps.Catalog.Styles(),
		"custom": s.deps.Catalog.Custom(),
	})
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": s.deps.Catalog.Voices()})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"languages": s.deps.Catalog.Languages()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.IDs()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Create(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID())
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type styleRequest struct {
	StyleID string `json:"style_id"`
}

func (s *Server) handleSelectStyle(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req styleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SelectStyle(req.StyleID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCustomize(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	sess.Customize()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSetText(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess.SetText(req.Text)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req voiceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetVoice(req.Voice); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSetCustomPrompt(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req promptRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess.SetCustomPrompt(req.Prompt)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type sceneRequest struct {
	Scene string `json:"scene"`
}

func (s *Server) handleSetScene(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req sceneRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess.SetScene(req.Scene)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePlay(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	s.toggle(w, sess, "single", s.deps.Single.Prepare)
}

func (s *Server) handleConversationPlay(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	s.toggle(w, sess, "conversation", s.deps.Conversation.Prepare)
}

type prepareFunc func(*session.Session) (func(context.Context) error, error)

// toggle claims or stops the session before responding, so the returned
// snapshot already reflects the request. Claimed work runs in the background.
func (s *Server) toggle(w http.ResponseWriter, sess *session.Session, op string, prepare prepareFunc) {
	run, err := prepare(sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil {
			s.logger.Warn("playback request failed",
				slog.String("op", op),
				slog.String("session_id", sess.ID()),
				slogError(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request, sess *session.Session) {
	sess.Stop()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDramatize(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := s.deps.Single.Dramatize(r.Context(), sess); err != nil && errors.Is(err, single.ErrRewriteInFlight) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := s.deps.Conversation.GenerateScript(r.Context(), sess); err != nil && errors.Is(err, conversation.ErrScriptInFlight) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var delivered string
	err := sess.Artifacts().Save(r.Context(), func(filename string, data []byte) error {
		delivered = filename
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(data)
		return err
	})
	var redirect *artifact.RedirectError
	switch {
	case err == nil:
		sess.Record(r.Context(), eventstore.Event{Kind: eventstore.KindDownload, Status: "ok", Detail: delivered})
	case errors.As(err, &redirect):
		s.logger.Warn("download fallback to remote reference", slog.String("session_id", sess.ID()), slogError(err))
		sess.Record(r.Context(), eventstore.Event{Kind: eventstore.KindDownload, Status: "redirected", Detail: redirect.URL})
		http.Redirect(w, r, redirect.URL, http.StatusFound)
	case delivered != "":
		s.logger.Warn("download interrupted", slog.String("session_id", sess.ID()), slogError(err))
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := sess.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, artifact.ErrNoArtifact), errors.Is(err, artifact.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrUnknownStyle), errors.Is(err, session.ErrUnknownVoice):
		status = http.StatusBadRequest
	case errors.Is(err, single.ErrRewriteInFlight), errors.Is(err, conversation.ErrScriptInFlight),
		errors.Is(err, session.ErrRewriting), errors.Is(err, session.ErrScripting):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
