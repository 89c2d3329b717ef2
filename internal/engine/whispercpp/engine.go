// Package whispercpp implements the transcription engine on the
// whisper.cpp CGO bindings. The static library (libwhisper.a) and headers
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// One model is shared by final transcription and realtime preview. Each
// inference creates its own whisper context; contexts are not thread-safe
// but the model is, so a mutex serializes inference while Load/Unload
// manipulate the model reference under a separate lock.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxhall/whisperd/internal/engine"
	"github.com/voxhall/whisperd/pkg/audio"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

const (
	// vadRMSThreshold is the energy level below which a frame is treated
	// as silence by the voice-activity pre-pass. Samples are normalised
	// to [-1, 1]; 0.01 corresponds to near-silence.
	vadRMSThreshold = 0.01

	// vadFrameSamples is the VAD analysis frame length (20 ms at 16 kHz).
	vadFrameSamples = 320

	// previewWindow caps how much trailing audio a realtime preview
	// considers.
	previewWindow = 5 * audio.TargetRate
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the default language code used when a transcription
// request does not carry one. Defaults to autodetection.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithVAD enables the energy-based voice-activity pre-pass for final
// transcription. When the pre-pass removes everything, the engine falls
// back to the unfiltered samples rather than reporting silence.
func WithVAD(enabled bool) Option {
	return func(e *Engine) { e.vad = enabled }
}

// Engine loads a whisper.cpp model lazily and serializes inference on it.
type Engine struct {
	modelPath string
	language  string
	vad       bool

	// mu guards model and inFlight.
	mu       sync.Mutex
	model    whisperlib.Model
	inFlight int

	// inferMu serializes whisper context use; TryLock failures make the
	// realtime path return "no preview" instead of queueing.
	inferMu sync.Mutex
}

// New creates an Engine for the model at modelPath. The model file is not
// touched until the first Load or Transcribe.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	e := &Engine{modelPath: modelPath}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Load makes the model resident. Repeated calls are no-ops.
func (e *Engine) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked()
}

func (e *Engine) loadLocked() error {
	if e.model != nil {
		return nil
	}
	start := time.Now()
	model, err := whisperlib.New(e.modelPath)
	if err != nil {
		return &engine.LoadError{
			Cause: fmt.Errorf("load model %q: %w", e.modelPath, err),
			Hint:  "if the model download was interrupted, delete the cached file and restart; also check free disk space",
		}
	}
	e.model = model
	slog.Info("whisper model loaded", "path", e.modelPath, "took", time.Since(start))
	return nil
}

// Unload drops the model reference, which frees the whisper.cpp context
// and its accelerator buffers, then nudges the Go collector for the rest.
// Returns [engine.ErrBusy] while a transcription or preview is in flight,
// so the model is never closed under a running inference.
func (e *Engine) Unload(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return nil
	}
	if e.inFlight > 0 {
		return engine.ErrBusy
	}

	if err := e.model.Close(); err != nil {
		return fmt.Errorf("whispercpp: close model: %w", err)
	}
	e.model = nil
	runtime.GC()
	slog.Info("whisper model unloaded", "path", e.modelPath)
	return nil
}

// Loaded reports whether the model is resident.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// Transcribe runs full inference over samples. Loading is lazy; the first
// call pays the model load cost.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, language string) (*engine.Result, error) {
	model, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer e.end()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := samples
	if e.vad {
		if voiced := trimSilence(samples); len(voiced) > 0 {
			input = voiced
		}
		// An all-silent pre-pass falls back to the raw samples so a quiet
		// but valid recording is not reported as "no speech".
	}

	e.inferMu.Lock()
	defer e.inferMu.Unlock()

	lang := language
	if lang == "" {
		lang = e.language
	}
	if lang == "" {
		lang = "auto"
	}

	wctx, err := model.NewContext()
	if err != nil {
		return nil, &engine.RuntimeError{Cause: fmt.Errorf("create context: %w", err)}
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using autodetect", "language", lang, "err", err)
	}
	wctx.SetTokenTimestamps(true)

	if err := wctx.Process(input, nil, nil, nil); err != nil {
		return nil, &engine.RuntimeError{Cause: fmt.Errorf("process audio: %w", err)}
	}

	res := &engine.Result{
		Duration: roundMs(audio.Duration(samples, audio.TargetRate)),
		Language: lang,
	}
	if lang == "auto" {
		res.Language = wctx.DetectedLanguage()
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &engine.RuntimeError{Cause: fmt.Errorf("read segment: %w", err)}
		}

		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
			res.Segments = append(res.Segments, engine.Segment{
				Text:  text,
				Start: roundMs(segment.Start.Seconds()),
				End:   roundMs(segment.End.Seconds()),
			})
		}
		res.Words = append(res.Words, wordsFromTokens(segment.Tokens)...)
	}
	res.Text = strings.Join(parts, " ")
	return res, nil
}

// Realtime produces a best-effort preview of the trailing audio. It never
// loads the model and returns no preview whenever the model is missing or
// an inference is already running.
func (e *Engine) Realtime(ctx context.Context, chunk []float32) (string, bool) {
	model, ok := e.beginPreview()
	if !ok {
		return "", false
	}
	defer e.end()
	if ctx.Err() != nil {
		return "", false
	}

	if !e.inferMu.TryLock() {
		// Finalization or another preview owns the model; absence is fine.
		return "", false
	}
	defer e.inferMu.Unlock()

	if len(chunk) > previewWindow {
		chunk = chunk[len(chunk)-previewWindow:]
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", false
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			slog.Debug("whisper preview: set language failed", "err", err)
		}
	}
	if err := wctx.Process(chunk, nil, nil, nil); err != nil {
		slog.Debug("whisper preview failed", "err", err)
		return "", false
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", false
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

// begin registers an in-flight transcription, loading the model lazily.
func (e *Engine) begin() (whisperlib.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.loadLocked(); err != nil {
		return nil, err
	}
	e.inFlight++
	return e.model, nil
}

// beginPreview registers an in-flight preview without loading the model.
// Counting previews in inFlight keeps Unload from closing the model under
// a running Process call.
func (e *Engine) beginPreview() (whisperlib.Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, false
	}
	e.inFlight++
	return e.model, true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
}

// wordsFromTokens converts whisper token data into word entries, skipping
// special markers like [_BEG_].
func wordsFromTokens(tokens []whisperlib.Token) []engine.Word {
	var words []engine.Word
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if text == "" || strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|") {
			continue
		}
		words = append(words, engine.Word{
			Word:        text,
			Start:       roundMs(tok.Start.Seconds()),
			End:         roundMs(tok.End.Seconds()),
			Probability: float64(tok.P),
		})
	}
	return words
}

// trimSilence drops leading and trailing frames whose energy is below the
// VAD threshold, keeping everything between the first and last voiced
// frame so intra-speech pauses survive.
func trimSilence(samples []float32) []float32 {
	firstVoiced, lastVoiced := -1, -1
	for off := 0; off < len(samples); off += vadFrameSamples {
		end := off + vadFrameSamples
		if end > len(samples) {
			end = len(samples)
		}
		if audio.RMS(samples[off:end]) >= vadRMSThreshold {
			if firstVoiced < 0 {
				firstVoiced = off
			}
			lastVoiced = end
		}
	}
	if firstVoiced < 0 {
		return nil
	}
	return samples[firstVoiced:lastVoiced]
}

// roundMs rounds seconds to millisecond precision.
func roundMs(s float64) float64 {
	return math.Round(s*1000) / 1000
}
