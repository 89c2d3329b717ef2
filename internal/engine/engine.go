// Package engine defines the transcription engine contract shared by the
// session server and the whisper.cpp adapter. The engine consumes float32
// mono samples at 16 kHz; the protocol layer guarantees that shape.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrBusy is returned by Unload while a transcription is in flight.
var ErrBusy = errors.New("engine: busy with an in-flight transcription")

// LoadError wraps model loading failures (missing file, corrupt download
// cache, disk quota). Hint carries operator-facing remediation advice.
type LoadError struct {
	Hint  string
	Cause error
}

func (e *LoadError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("engine: load failed: %v (%s)", e.Cause, e.Hint)
	}
	return fmt.Sprintf("engine: load failed: %v", e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// RuntimeError wraps inference failures.
type RuntimeError struct {
	Cause error
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("engine: inference failed: %v", e.Cause) }
func (e *RuntimeError) Unwrap() error { return e.Cause }

// Word is a single transcribed word with timestamps in seconds, rounded
// to milliseconds.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is a contiguous transcribed span.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is a completed transcription.
type Result struct {
	Text                string    `json:"text"`
	Words               []Word    `json:"words"`
	Segments            []Segment `json:"segments"`
	Duration            float64   `json:"duration"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
}

// Engine is the transcription capability injected into the session
// server. Implementations load lazily on first Transcribe; Load and
// Unload are idempotent.
type Engine interface {
	// Load makes the model resident. Repeated calls are no-ops.
	Load(ctx context.Context) error

	// Unload releases the model and its accelerator memory. Returns
	// [ErrBusy] while a transcription is in flight; repeated calls are
	// no-ops.
	Unload(ctx context.Context) error

	// Loaded reports whether the model is currently resident.
	Loaded() bool

	// Transcribe runs full inference over the session audio. language is
	// an ISO code, or "" for autodetection.
	Transcribe(ctx context.Context, samples []float32, language string) (*Result, error)

	// Realtime produces a best-effort partial transcription of one chunk.
	// ok is false when no preview is available; that is not an error.
	Realtime(ctx context.Context, chunk []float32) (text string, ok bool)
}
