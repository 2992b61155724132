package audio

import (
	"errors"
	"testing"
)

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Encoding
		expectError bool
	}{
		{name: "mu-law", input: "ulaw", expected: EncodingULaw},
		{name: "mu-law alias", input: "PCMU", expected: EncodingULaw},
		{name: "a-law", input: "alaw", expected: EncodingALaw},
		{name: "a-law alias", input: " pcma ", expected: EncodingALaw},
		{name: "linear", input: "slin16", expected: EncodingSLin16},
		{name: "unknown", input: "opus", expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := ParseEncoding(tt.input)
			if tt.expectError {
				if !errors.Is(err, ErrDecode) {
					t.Errorf("Expected ErrDecode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if enc != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, enc)
			}
		})
	}
}

func TestDecodeULaw(t *testing.T) {
	samples, err := Decode([]byte{0xFF, 0x00, 0x80, 0x7F}, EncodingULaw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(samples) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(samples))
	}

	if samples[0] != 0 {
		t.Errorf("Expected 0xFF to decode to 0, got %d", samples[0])
	}

	if samples[1] >= -30000 {
		t.Errorf("Expected 0x00 to decode to a large negative value, got %d", samples[1])
	}

	if samples[2] != -samples[1] {
		t.Errorf("Expected 0x80 to mirror 0x00, got %d and %d", samples[2], samples[1])
	}
}

func TestDecodeSignSymmetry(t *testing.T) {
	for _, enc := range []Encoding{EncodingULaw, EncodingALaw} {
		for b := 0; b < 128; b++ {
			pos, err := Decode([]byte{byte(b) | 0x80}, enc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			neg, err := Decode([]byte{byte(b)}, enc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if pos[0] != -neg[0] {
				t.Errorf("%s byte 0x%02x: expected mirrored values, got %d and %d", enc, b, pos[0], neg[0])
			}
		}
	}
}

func TestDecodeSLin16(t *testing.T) {
	samples, err := Decode([]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80}, EncodingSLin16)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	expected := []int16{1, -1, -32768}
	for i, s := range expected {
		if samples[i] != s {
			t.Errorf("Sample %d: expected %d, got %d", i, s, samples[i])
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		encoding Encoding
	}{
		{name: "empty frame", frame: []byte{}, encoding: EncodingALaw},
		{name: "nil frame", frame: nil, encoding: EncodingULaw},
		{name: "odd linear frame", frame: []byte{0x01, 0x02, 0x03}, encoding: EncodingSLin16},
		{name: "oversized frame", frame: make([]byte, MaxFrameBytes+1), encoding: EncodingALaw},
		{name: "unknown encoding", frame: []byte{0x01}, encoding: Encoding("gsm")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame, tt.encoding)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("Expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestPCMBytes(t *testing.T) {
	b := PCMBytes([]int16{1, -1})
	expected := []byte{0x01, 0x00, 0xFF, 0xFF}
	for i := range expected {
		if b[i] != expected[i] {
			t.Errorf("Byte %d: expected 0x%02x, got 0x%02x", i, expected[i], b[i])
		}
	}
}
