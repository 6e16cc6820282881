package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/jinro-voice/internal/artifact"
	"github.com/loqalabs/jinro-voice/internal/catalog"
	"github.com/loqalabs/jinro-voice/internal/playback"
)

type Options struct {
	Catalog   *catalog.Catalog
	Blobs     artifact.BlobStore
	Artifacts artifact.Options
	History   History
	// NewOutput creates the playback output of one session.
	NewOutput func(sessionID string) playback.Output
}

// Registry owns the live sessions of the daemon.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	if r.opts.History != nil {
		if err := r.opts.History.AppendSession(ctx, id); err != nil {
			return nil, err
		}
	}
	artifacts := artifact.NewManager(r.opts.Blobs, r.opts.Artifacts, r.logger.With(slog.String("session_id", id)))
	newOutput := func() playback.Output { return r.opts.NewOutput(id) }
	s := newSession(id, r.opts.Catalog, artifacts, r.opts.History, newOutput, r.logger)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.logger.Info("session created", slog.String("session_id", id))
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// IDs lists live session ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete tears a session down, releasing any transient artifact it holds.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close(ctx)
	r.logger.Info("session closed", slog.String("session_id", id))
	return nil
}

// Close tears down every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(ctx)
	}
}
