package audio

import (
	"fmt"
)

// Resampler upsamples PCM by a fixed integer factor using linear interpolation.
// The last sample of the previous frame is kept so interpolation stays
// continuous across frame boundaries.
type Resampler struct {
	factor int
	prev   int16
	primed bool
}

// NewResampler creates a resampler converting sourceRate to targetRate
func NewResampler(sourceRate, targetRate int) (*Resampler, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", sourceRate, targetRate)
	}

	if targetRate < sourceRate || targetRate%sourceRate != 0 {
		return nil, fmt.Errorf("target rate %d must be an integer multiple of source rate %d", targetRate, sourceRate)
	}

	return &Resampler{factor: targetRate / sourceRate}, nil
}

// Factor returns the upsampling factor
func (r *Resampler) Factor() int {
	return r.factor
}

// Process upsamples one frame. Output length is always Factor()*len(in).
func (r *Resampler) Process(in []int16) []int16 {
	if r.factor == 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	out := make([]int16, 0, len(in)*r.factor)
	for _, s := range in {
		prev := r.prev
		if !r.primed {
			// Edge padding for the very first sample of the stream
			prev = s
			r.primed = true
		}

		for k := 1; k <= r.factor; k++ {
			v := int32(prev) + (int32(s)-int32(prev))*int32(k)/int32(r.factor)
			out = append(out, int16(v))
		}
		r.prev = s
	}

	return out
}

// Reset clears the filter memory
func (r *Resampler) Reset() {
	r.prev = 0
	r.primed = false
}

// Normalizer turns encoded frames into PCM16 at the recognizer sample rate.
// A Normalizer belongs to exactly one session and is not safe for concurrent use.
type Normalizer struct {
	encoding   Encoding
	targetRate int
	resampler  *Resampler
}

// NewNormalizer creates a normalizer for one session
func NewNormalizer(enc Encoding, sourceRate, targetRate int) (*Normalizer, error) {
	if _, err := ParseEncoding(string(enc)); err != nil {
		return nil, err
	}

	resampler, err := NewResampler(sourceRate, targetRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &Normalizer{
		encoding:   enc,
		targetRate: targetRate,
		resampler:  resampler,
	}, nil
}

// Encoding returns the inbound encoding of this normalizer
func (n *Normalizer) Encoding() Encoding {
	return n.encoding
}

// TargetRate returns the output sample rate
func (n *Normalizer) TargetRate() int {
	return n.targetRate
}

// Normalize decodes and resamples one frame. A failed frame leaves the
// resampler state untouched.
func (n *Normalizer) Normalize(frame []byte) ([]int16, error) {
	samples, err := Decode(frame, n.encoding)
	if err != nil {
		return nil, err
	}

	return n.resampler.Process(samples), nil
}

// Reset releases cross-frame state at session teardown
func (n *Normalizer) Reset() {
	n.resampler.Reset()
}
