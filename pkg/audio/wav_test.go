package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 3200) // 100 ms at 16 kHz mono
	wav := EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" {
		t.Errorf("missing RIFF magic: %q", wav[0:4])
	}
	if string(wav[8:12]) != "WAVE" {
		t.Errorf("missing WAVE magic: %q", wav[8:12])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestEncodeWAV_EmptyPayload(t *testing.T) {
	wav := EncodeWAV(nil, 16000, 1)
	if len(wav) != 44 {
		t.Fatalf("len = %d, want 44", len(wav))
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 0 {
		t.Errorf("data size = %d, want 0", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name       string
		byteLen    int
		sampleRate int
		channels   int
		want       time.Duration
	}{
		{"one second mono 16k", 32000, 16000, 1, time.Second},
		{"half second mono 16k", 16000, 16000, 1, 500 * time.Millisecond},
		{"one second stereo 48k", 192000, 48000, 2, time.Second},
		{"zero rate", 32000, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(tt.byteLen, tt.sampleRate, tt.channels); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMinUtteranceBytes(t *testing.T) {
	// 0.5 s of 16 kHz / 16-bit mono is 16 000 bytes.
	if got := MinUtteranceBytes(500*time.Millisecond, 16000, 1); got != 16000 {
		t.Errorf("MinUtteranceBytes = %d, want 16000", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}

	// A constant amplitude signal has RMS equal to that amplitude.
	pcm := make([]byte, 200)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:i+2], uint16(int16(1000)))
	}
	got := RMS(pcm)
	if got < 999 || got > 1001 {
		t.Errorf("RMS = %v, want ≈1000", got)
	}
}
