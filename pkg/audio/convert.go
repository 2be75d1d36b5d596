package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter decodes inbound PCM16 segments into mono float samples at
// a fixed target rate. It logs a warning the first time a segment arrives in
// a different format. Create one per session; it is safe for concurrent use
// only insofar as the warnings are guarded by [sync.Once].
type FormatConverter struct {
	// SampleRate is the output device rate every segment is converted to.
	SampleRate int

	warnedMismatch sync.Once
}

// Convert decodes seg and returns mono samples at c.SampleRate. Conversion
// order: decode, downmix, then resample.
func (c *FormatConverter) Convert(seg Segment) ([]float32, error) {
	channels := max(seg.Format.Channels, 1)
	planes, err := PCM16ToFloat(seg.Data, channels)
	if err != nil {
		return nil, err
	}

	if seg.Format.SampleRate == c.SampleRate && channels == 1 {
		return planes[0], nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{SampleRate: seg.Format.SampleRate, Channels: channels}.String(),
			"to", Format{SampleRate: c.SampleRate, Channels: 1}.String(),
		)
	})

	return Resample(Downmix(planes), seg.Format.SampleRate, c.SampleRate), nil
}

// Downmix averages per-channel planes into one mono plane. A single plane is
// returned unchanged.
func Downmix(planes [][]float32) []float32 {
	switch len(planes) {
	case 0:
		return nil
	case 1:
		return planes[0]
	}
	n := len(planes[0])
	out := make([]float32, n)
	scale := 1 / float32(len(planes))
	for _, p := range planes {
		for i := 0; i < n && i < len(p); i++ {
			out[i] += p[i] * scale
		}
	}
	return out
}

// Upmix duplicates a mono plane into an interleaved buffer with the given
// channel count.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := range channels {
			out[i*channels+ch] = s
		}
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
