package gateway

import (
	"errors"
	"fmt"
)

// ErrNoAudio is reported when the speech backend answers without an audio payload.
var ErrNoAudio = errors.New("no audio data returned")

type SynthesisError struct {
	Voice string
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize speech (voice %s): %v", e.Voice, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

type RewriteError struct {
	Err error
}

func (e *RewriteError) Error() string { return fmt.Sprintf("rewrite line: %v", e.Err) }

func (e *RewriteError) Unwrap() error { return e.Err }

type ScriptGenerationError struct {
	Mode ScriptMode
	Err  error
}

func (e *ScriptGenerationError) Error() string {
	return fmt.Sprintf("generate %s script: %v", e.Mode, e.Err)
}

func (e *ScriptGenerationError) Unwrap() error { return e.Err }
