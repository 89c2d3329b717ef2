package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// DecodeFile reads an audio file and returns mono float32 samples at
// [TargetRate]. WAV files are decoded in-process; every other container
// (FLAC, OGG/Opus, WebM, MP3, MP4/M4A) is handed to ffmpeg, which must be
// on PATH. The upload handler has already verified the magic bytes, so an
// unreadable file here is an input error rather than a validation gap.
func DecodeFile(ctx context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %q: %w", path, err)
	}

	if len(data) >= 4 && string(data[0:4]) == "RIFF" {
		samples, rate, err := DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if rate != TargetRate {
			samples = Resample(samples, rate, TargetRate)
		}
		return samples, nil
	}

	return decodeWithFFmpeg(ctx, path)
}

// decodeWithFFmpeg shells out to ffmpeg to decode any compressed container
// into raw 16-bit mono PCM at the target rate, then converts to float32.
func decodeWithFFmpeg(ctx context.Context, path string) ([]float32, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg not found on PATH (required for non-WAV uploads): %w", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetRate),
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg decode %q: %w (%s)", path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return PCM16ToFloat32(stdout.Bytes()), nil
}
