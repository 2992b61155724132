package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Encoding identifies the wire encoding of inbound audio frames
type Encoding string

// Supported inbound encodings
const (
	EncodingULaw   Encoding = "ulaw"   // G.711 mu-law, 1 byte per sample
	EncodingALaw   Encoding = "alaw"   // G.711 A-law, 1 byte per sample
	EncodingSLin16 Encoding = "slin16" // 16-bit little-endian linear PCM, 2 bytes per sample
)

// MaxFrameBytes bounds a single inbound frame (about 8 seconds of G.711)
const MaxFrameBytes = 64 * 1024

// ErrDecode is returned for malformed or unsupported audio frames.
// The caller skips the frame; the session is not affected.
var ErrDecode = errors.New("audio decode error")

var (
	ulawTable [256]int16
	alawTable [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawTable[i] = g711.DecodeUlawFrame(uint8(i))
		alawTable[i] = g711.DecodeAlawFrame(uint8(i))
	}
}

// ParseEncoding parses an encoding name, accepting common aliases
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ulaw", "mulaw", "pcmu", "g711u":
		return EncodingULaw, nil
	case "alaw", "pcma", "g711a":
		return EncodingALaw, nil
	case "slin16", "slin", "pcm16", "linear16":
		return EncodingSLin16, nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrDecode, name)
	}
}

// SampleUnit returns the number of bytes per sample for the encoding
func (e Encoding) SampleUnit() int {
	if e == EncodingSLin16 {
		return 2
	}
	return 1
}

// Decode expands a frame into 16-bit linear PCM at the source rate
func Decode(frame []byte, enc Encoding) ([]int16, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	if len(frame) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", ErrDecode, len(frame), MaxFrameBytes)
	}

	unit := enc.SampleUnit()
	if len(frame)%unit != 0 {
		return nil, fmt.Errorf("%w: frame length %d is not a multiple of %d for %s", ErrDecode, len(frame), unit, enc)
	}

	switch enc {
	case EncodingULaw:
		return expand(frame, &ulawTable), nil
	case EncodingALaw:
		return expand(frame, &alawTable), nil
	case EncodingSLin16:
		samples := make([]int16, len(frame)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrDecode, enc)
	}
}

func expand(frame []byte, table *[256]int16) []int16 {
	samples := make([]int16, len(frame))
	for i, b := range frame {
		samples[i] = table[b]
	}
	return samples
}

// PCMBytes serializes samples as 16-bit little-endian PCM
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
