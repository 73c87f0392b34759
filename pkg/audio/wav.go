// Package audio provides PCM helpers for the fixed edge format of the Vocalis
// pipeline: raw 16-bit signed little-endian PCM. The intake gate accumulates
// raw frames; before an utterance is submitted for transcription it is wrapped
// in a minimal RIFF/WAV container with [EncodeWAV].
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM the pipeline
// carries end to end.
const bitsPerSample = 16

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header.
const wavHeaderSize = 44

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a minimal RIFF/WAV
// container. The returned byte slice is suitable for direct submission to a
// batch transcription endpoint. No external dependencies are required.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Duration returns the play time of a raw PCM buffer in the given format.
// Returns 0 for invalid formats.
func Duration(byteLen, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSecond := sampleRate * channels * bitsPerSample / 8
	return time.Duration(float64(byteLen) / float64(bytesPerSecond) * float64(time.Second))
}

// MinUtteranceBytes returns the byte length of minDuration of audio in the
// given format. The intake gate discards utterances shorter than this.
func MinUtteranceBytes(minDuration time.Duration, sampleRate, channels int) int {
	bytesPerSecond := sampleRate * channels * bitsPerSample / 8
	return int(float64(bytesPerSecond) * minDuration.Seconds())
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer. Returns 0 for buffers shorter than one sample. The result is
// expressed in the same units as PCM sample values (0–32 767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
