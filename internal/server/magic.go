package server

import "bytes"

// sniffAudio reports whether header begins with a recognised audio container
// signature. It is checked against the first bytes of an upload before
// anything is streamed to disk.
func sniffAudio(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	switch {
	case bytes.HasPrefix(header, []byte("RIFF")): // WAV
		return true
	case bytes.HasPrefix(header, []byte("fLaC")): // FLAC
		return true
	case bytes.HasPrefix(header, []byte("OggS")): // OGG / Opus / Vorbis
		return true
	case bytes.HasPrefix(header, []byte{0x1A, 0x45, 0xDF, 0xA3}): // WebM / Matroska
		return true
	case bytes.HasPrefix(header, []byte("ID3")): // MP3 with ID3 tag
		return true
	}
	// Raw MP3 frame sync.
	if header[0] == 0xFF {
		switch header[1] {
		case 0xFB, 0xFA, 0xF3, 0xF2:
			return true
		}
	}
	// MP4/M4A: an ftyp box at offset 4, or a zero-padded leading size field.
	if len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp")) {
		return true
	}
	if header[0] == 0 && header[1] == 0 && header[2] == 0 {
		return true
	}
	return false
}
