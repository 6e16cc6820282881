package gateway

import (
	"context"

	"github.com/loqalabs/jinro-voice/internal/audio"
)

// Speaker binds a speaker label used in the prompt to a prebuilt voice.
type Speaker struct {
	Name  string `json:"speaker"`
	Voice string `json:"voice"`
}

// SpeechRequest is sent to a speech backend.
type SpeechRequest struct {
	Prompt     string
	Speakers   []Speaker
	SampleRate int
}

// SpeechModel produces raw 16-bit mono PCM for a prompt. A nil or empty
// payload with a nil error means the backend returned no audio.
type SpeechModel interface {
	GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// Format selects the shape of a text response.
type Format string

const (
	FormatText   Format = "text"
	FormatScript Format = "script"
)

// TextRequest is sent to a text backend. Input and Roles carry the raw user
// input the prompt was built from, for backends that do their own prompting.
type TextRequest struct {
	Prompt string
	Format Format
	Input  string
	Roles  []string
	Mode   ScriptMode
}

// TextModel returns the raw text of a model response.
type TextModel interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

// Result is a decoded synthesis result plus the PCM it was decoded from.
type Result struct {
	Buffer *audio.Buffer
	PCM    []byte
}

// WAV encodes the result as a downloadable container.
func (r *Result) WAV() []byte {
	return audio.EncodeWAV(r.PCM, r.Buffer.SampleRate)
}

// Turn is one line of a generated script.
type Turn struct {
	RoleID string `json:"roleId"`
	Text   string `json:"text"`
}

// Script is an ordered list of turns. UnknownRoles holds the indices of turns
// whose role id was outside the allowed set.
type Script struct {
	Turns        []Turn `json:"turns"`
	UnknownRoles []int  `json:"unknown_roles,omitempty"`
}

// ScriptMode selects the framing of a script prompt.
type ScriptMode string

const (
	ScriptNight ScriptMode = "night"
	ScriptDay   ScriptMode = "day"
)
