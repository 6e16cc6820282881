package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const blobScheme = "blob:"

var (
	// ErrNoArtifact is returned by Save when nothing has been produced yet.
	ErrNoArtifact = errors.New("no artifact")
	// ErrNotFound is returned for blob references that are not live.
	ErrNotFound = errors.New("artifact not found")
)

// Artifact names the most recent playable and downloadable unit. Ref is a
// transient blob reference, a remote http(s) URL, or an asset path.
type Artifact struct {
	Ref      string `json:"ref"`
	Filename string `json:"filename"`
}

func (a Artifact) Transient() bool { return strings.HasPrefix(a.Ref, blobScheme) }

func (a Artifact) Remote() bool {
	return strings.HasPrefix(a.Ref, "http://") || strings.HasPrefix(a.Ref, "https://")
}

func (a Artifact) key() string { return strings.TrimPrefix(a.Ref, blobScheme) }

// RedirectError is returned by Save when a remote artifact could not be
// materialized; callers should send the client to URL instead.
type RedirectError struct {
	URL string
	Err error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("materialize %s: %v", e.URL, e.Err)
}

func (e *RedirectError) Unwrap() error { return e.Err }

type Options struct {
	AssetsDir    string
	ReleaseDelay time.Duration
	FetchTimeout time.Duration
	HTTPClient   *http.Client
}

// Manager tracks the current artifact of one session and owns every
// transient blob it created. Each blob is released exactly once.
type Manager struct {
	store  BlobStore
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Artifact
	live    map[string]bool
	pending map[string]*time.Timer
	closed  bool
}

func NewManager(store BlobStore, opts Options, logger *slog.Logger) *Manager {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Manager{
		store:   store,
		opts:    opts,
		logger:  logger.With(slog.String("component", "artifacts")),
		live:    make(map[string]bool),
		pending: make(map[string]*time.Timer),
	}
}

// Create stores data as a new transient blob. The artifact is not made
// current; pass it to Set, or to Release if it is no longer wanted.
func (m *Manager) Create(ctx context.Context, data []byte, filename string) (Artifact, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Artifact{}, errors.New("artifact manager closed")
	}
	m.mu.Unlock()

	key := uuid.NewString()
	if err := m.store.Put(ctx, key, data); err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	m.mu.Lock()
	m.live[key] = true
	m.mu.Unlock()
	return Artifact{Ref: blobScheme + key, Filename: filename}, nil
}

// Get returns the current artifact.
func (m *Manager) Get() (Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Artifact{}, false
	}
	return *m.current, true
}

// Set makes a the current artifact, releasing the previous transient one.
func (m *Manager) Set(a Artifact) {
	m.mu.Lock()
	prev := m.current
	m.current = &a
	m.mu.Unlock()
	if prev != nil && prev.Ref != a.Ref {
		m.Release(*prev)
	}
}

// Clear drops the current artifact, releasing it if transient.
func (m *Manager) Clear() {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		m.Release(*prev)
	}
}

// Release frees a transient artifact. Non-transient and already released
// artifacts are ignored.
func (m *Manager) Release(a Artifact) {
	if !a.Transient() {
		return
	}
	m.release(a.key())
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	if !m.live[key] {
		m.mu.Unlock()
		return
	}
	delete(m.live, key)
	if t, ok := m.pending[key]; ok {
		t.Stop()
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if err := m.store.Delete(context.Background(), key); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("failed to release artifact", slog.String("key", key), slogError(err))
	}
}

// Live reports the number of transient blobs not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Open reads the bytes behind an artifact reference.
func (m *Manager) Open(ctx context.Context, a Artifact) ([]byte, error) {
	switch {
	case a.Transient():
		m.mu.Lock()
		live := m.live[a.key()]
		m.mu.Unlock()
		if !live {
			return nil, ErrNotFound
		}
		return m.store.Get(ctx, a.key())
	case a.Remote():
		return m.fetch(ctx, a.Ref)
	default:
		return os.ReadFile(m.assetPath(a.Ref))
	}
}

func (m *Manager) assetPath(ref string) string {
	if filepath.IsAbs(ref) || m.opts.AssetsDir == "" {
		return ref
	}
	return filepath.Join(m.opts.AssetsDir, filepath.FromSlash(ref))
}

func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	if m.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Save hands the current artifact to deliver. A remote artifact is first
// materialized into a transient blob which is released shortly after
// delivery. If materializing fails, Save returns a RedirectError.
func (m *Manager) Save(ctx context.Context, deliver func(filename string, data []byte) error) error {
	a, ok := m.Get()
	if !ok {
		return ErrNoArtifact
	}
	if !a.Remote() {
		data, err := m.Open(ctx, a)
		if err != nil {
			return err
		}
		return deliver(a.Filename, data)
	}

	fetched, err := m.fetch(ctx, a.Ref)
	if err != nil {
		return &RedirectError{URL: a.Ref, Err: err}
	}
	local, err := m.Create(ctx, fetched, a.Filename)
	if err != nil {
		return &RedirectError{URL: a.Ref, Err: err}
	}
	defer m.releaseAfter(local, m.opts.ReleaseDelay)

	data, err := m.Open(ctx, local)
	if err != nil {
		return &RedirectError{URL: a.Ref, Err: err}
	}
	return deliver(a.Filename, data)
}

func (m *Manager) releaseAfter(a Artifact, delay time.Duration) {
	key := a.key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live[key] {
		return
	}
	m.pending[key] = time.AfterFunc(delay, func() { m.release(key) })
}

// Close releases every blob still held, including pending delayed releases.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.current = nil
	keys := make([]string, 0, len(m.live))
	for key := range m.live {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.release(key)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
