// Package mock provides a test double for engine.Engine.
package mock

import (
	"context"
	"sync"

	"github.com/voxhall/whisperd/internal/engine"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Engine is a configurable in-memory engine. The zero value transcribes
// everything to TranscribeResult (or an empty result) without errors.
type Engine struct {
	mu sync.Mutex

	// Configurable behaviour.
	LoadErr           error
	UnloadErr         error
	TranscribeErr     error
	TranscribeResult  *engine.Result
	RealtimeText      string
	RealtimeAvailable bool

	// Recorded calls.
	LoadCalls       int
	UnloadCalls     int
	TranscribeCalls [][]float32
	RealtimeCalls   int

	loaded bool
}

func (e *Engine) Load(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadCalls++
	if e.LoadErr != nil {
		return e.LoadErr
	}
	e.loaded = true
	return nil
}

func (e *Engine) Unload(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UnloadCalls++
	if e.UnloadErr != nil {
		return e.UnloadErr
	}
	e.loaded = false
	return nil
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) Transcribe(_ context.Context, samples []float32, language string) (*engine.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TranscribeCalls = append(e.TranscribeCalls, samples)
	if e.TranscribeErr != nil {
		return nil, e.TranscribeErr
	}
	e.loaded = true
	if e.TranscribeResult != nil {
		cp := *e.TranscribeResult
		return &cp, nil
	}
	return &engine.Result{
		Duration: float64(len(samples)) / 16000,
		Language: language,
	}, nil
}

func (e *Engine) Realtime(context.Context, []float32) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RealtimeCalls++
	return e.RealtimeText, e.RealtimeAvailable
}
