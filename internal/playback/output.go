package playback

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/jinro-voice/internal/audio"
)

// Clip is one playable unit: a decoded buffer and the PCM it came from.
type Clip struct {
	Buffer *audio.Buffer
	PCM    []byte
}

// Meta identifies a clip for sinks and logs.
type Meta struct {
	SessionID string
	Label     string
}

// Source is a clip being played. Done is closed when playback ends, either
// naturally or because Stop was called.
type Source interface {
	Done() <-chan struct{}
	Stop()
	Completed() bool
}

// Output is the shared playback context clips are started on.
type Output interface {
	Start(clip Clip, meta Meta) (Source, error)
}

// Sink receives the frames of a clip as they are played.
type Sink interface {
	Frame(meta Meta, seq, sampleRate, channels int, pcm []byte, final bool)
	Finished(meta Meta, completed bool)
}

// PacedOutput plays clips in real time, handing each chunk to the sink as
// its playback window starts.
type PacedOutput struct {
	chunk  time.Duration
	sink   Sink
	logger *slog.Logger
}

func NewPacedOutput(chunk time.Duration, sink Sink, logger *slog.Logger) *PacedOutput {
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	return &PacedOutput{
		chunk:  chunk,
		sink:   sink,
		logger: logger.With(slog.String("component", "playback")),
	}
}

func (o *PacedOutput) Start(clip Clip, meta Meta) (Source, error) {
	src := &pacedSource{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go o.run(src, clip, meta)
	return src, nil
}

func (o *PacedOutput) run(src *pacedSource, clip Clip, meta Meta) {
	defer close(src.done)

	rate := clip.Buffer.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	channels := clip.Buffer.NumChannels()
	if channels == 0 {
		channels = 1
	}
	frameBytes := channels * 2
	step := int(o.chunk.Seconds()*float64(rate)) * frameBytes
	if step <= 0 {
		step = frameBytes
	}

	started := time.Now()
	seq := 0
	for off := 0; off < len(clip.PCM); off += step {
		end := min(off+step, len(clip.PCM))
		final := end == len(clip.PCM)
		if o.sink != nil {
			o.sink.Frame(meta, seq, rate, channels, clip.PCM[off:end], final)
		}
		seq++

		// Schedule against the clip start so pacing does not drift.
		frames := end / frameBytes
		due := started.Add(time.Duration(frames) * time.Second / time.Duration(rate))
		timer := time.NewTimer(time.Until(due))
		select {
		case <-src.stop:
			timer.Stop()
			o.finish(meta, false)
			return
		case <-timer.C:
		}
	}
	src.completed.Store(true)
	o.finish(meta, true)
}

func (o *PacedOutput) finish(meta Meta, completed bool) {
	if o.sink != nil {
		o.sink.Finished(meta, completed)
	}
	o.logger.Debug("clip finished",
		slog.String("session_id", meta.SessionID),
		slog.String("clip", meta.Label),
		slog.Bool("completed", completed))
}

type pacedSource struct {
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
	completed atomic.Bool
}

func (s *pacedSource) Done() <-chan struct{} { return s.done }

func (s *pacedSource) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *pacedSource) Completed() bool { return s.completed.Load() }
