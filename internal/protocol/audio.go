package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/voxhall/whisperd/pkg/audio"
)

// AudioFrame is a decoded binary audio frame:
//
//	uint32_le(metadata_len) || metadata_json_utf8 || pcm_le16_mono
//
// Sequence and TimestampNS are advisory; the server processes frames in
// arrival order regardless.
type AudioFrame struct {
	SampleRate  int    `json:"sample_rate"`
	TimestampNS int64  `json:"timestamp_ns,omitempty"`
	Sequence    uint64 `json:"sequence,omitempty"`

	// PCM is the raw 16-bit little-endian signed payload.
	PCM []byte `json:"-"`
}

// Samples decodes the PCM payload to float32 mono at [audio.TargetRate],
// resampling when the source rate differs.
func (f *AudioFrame) Samples() []float32 {
	samples := audio.PCM16ToFloat32(f.PCM)
	if f.SampleRate != audio.TargetRate {
		samples = audio.Resample(samples, f.SampleRate, audio.TargetRate)
	}
	return samples
}

// DecodeAudioFrame parses a binary frame. It fails with a *[Error] of kind
// [ErrMalformed] when the length prefix exceeds the frame, the metadata is
// not valid JSON, or the sample rate is absent.
func DecodeAudioFrame(raw []byte) (*AudioFrame, error) {
	if len(raw) < 4 {
		return nil, &Error{Kind: ErrMalformed, Cause: fmt.Errorf("audio frame too short: %d bytes", len(raw))}
	}
	metaLen := binary.LittleEndian.Uint32(raw[0:4])
	if int(metaLen) > len(raw)-4 {
		return nil, &Error{Kind: ErrMalformed, Cause: fmt.Errorf("metadata length %d exceeds frame size %d", metaLen, len(raw))}
	}

	var f AudioFrame
	if err := json.Unmarshal(raw[4:4+metaLen], &f); err != nil {
		return nil, &Error{Kind: ErrMalformed, Cause: fmt.Errorf("parse audio metadata: %w", err)}
	}
	if f.SampleRate <= 0 {
		return nil, &Error{Kind: ErrMalformed, Cause: fmt.Errorf("audio metadata missing sample_rate")}
	}

	f.PCM = raw[4+metaLen:]
	return &f, nil
}

// EncodeAudioFrame builds the binary wire representation of f.
func EncodeAudioFrame(f *AudioFrame) ([]byte, error) {
	meta, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal audio metadata: %w", err)
	}
	out := make([]byte, 4+len(meta)+len(f.PCM))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(meta)))
	copy(out[4:], meta)
	copy(out[4+len(meta):], f.PCM)
	return out, nil
}
