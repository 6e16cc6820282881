package protocol

import "time"

// AudioChunk carries a slice of PCM being played for a session.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	Clip       string `json:"clip"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PlaybackStatus reports the end of a clip. Completed is false when the clip
// was stopped before its natural end.
type PlaybackStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Clip      string    `json:"clip"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPlaybackAudio = "playback.audio"
	SubjectPlaybackDone  = "playback.done"
)

// PlaybackAudioSubject scopes chunks to a playback target.
func PlaybackAudioSubject(target string) string {
	return SubjectPlaybackAudio + "." + target
}
