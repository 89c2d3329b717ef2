package server

import "testing"

func TestSniffAudio(t *testing.T) {
	t.Parallel()

	pad := func(b []byte) []byte {
		out := make([]byte, 16)
		copy(out, b)
		for i := len(b); i < len(out); i++ {
			out[i] = 'x'
		}
		return out
	}

	tests := []struct {
		name   string
		header []byte
		want   bool
	}{
		{"wav", pad([]byte("RIFF")), true},
		{"flac", pad([]byte("fLaC")), true},
		{"ogg", pad([]byte("OggS")), true},
		{"webm", pad([]byte{0x1A, 0x45, 0xDF, 0xA3}), true},
		{"mp3 id3", pad([]byte("ID3")), true},
		{"mp3 frame sync fb", pad([]byte{0xFF, 0xFB}), true},
		{"mp3 frame sync f3", pad([]byte{0xFF, 0xF3}), true},
		{"mp4 ftyp", []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'M', '4', 'A', ' '}, true},
		{"mp4 leading zeros", []byte{0x00, 0x00, 0x00, 0x1C, 'x', 'x', 'x', 'x'}, true},
		{"zip", pad([]byte{'P', 'K', 0x03, 0x04}), false},
		{"gif", pad([]byte("GIF89a")), false},
		{"text", pad([]byte("hello world")), false},
		{"too short", []byte{0xFF}, false},
		{"empty", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := sniffAudio(tc.header); got != tc.want {
				t.Errorf("sniffAudio(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}
