package playback

import (
	"log/slog"
	"time"

	"github.com/loqalabs/jinro-voice/internal/bus"
	"github.com/loqalabs/jinro-voice/internal/protocol"
)

// BusSink streams played frames to playback devices over NATS.
type BusSink struct {
	bus    *bus.Client
	target string
	logger *slog.Logger
}

func NewBusSink(busClient *bus.Client, target string, logger *slog.Logger) *BusSink {
	return &BusSink{
		bus:    busClient,
		target: target,
		logger: logger.With(slog.String("component", "playback-sink")),
	}
}

func (s *BusSink) Frame(meta Meta, seq, sampleRate, channels int, pcm []byte, final bool) {
	packet := protocol.AudioChunk{
		SessionID:  meta.SessionID,
		Target:     s.target,
		Clip:       meta.Label,
		Sequence:   seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		Final:      final,
	}
	if err := s.bus.PublishJSON(protocol.PlaybackAudioSubject(s.target), packet); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func (s *BusSink) Finished(meta Meta, completed bool) {
	status := protocol.PlaybackStatus{
		SessionID: meta.SessionID,
		Target:    s.target,
		Clip:      meta.Label,
		Completed: completed,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectPlaybackDone, status); err != nil {
		s.logger.Warn("failed to publish playback status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
