package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pcmMIMEPrefix is the media type of raw 16-bit little-endian PCM as used by
// the live protocol, e.g. "audio/pcm;rate=16000".
const pcmMIMEPrefix = "audio/pcm"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// MIMEType returns the media type tag for PCM16 data in this format. The
// channel count is only included when it differs from mono.
func (f Format) MIMEType() string {
	if f.Channels > 1 {
		return fmt.Sprintf("%s;rate=%d;channels=%d", pcmMIMEPrefix, f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("%s;rate=%d", pcmMIMEPrefix, f.SampleRate)
}

// String returns a human-readable form, e.g. "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// ParseMIMEType parses a PCM media type tag such as "audio/pcm;rate=24000".
// Parameters that are absent fall back to def. Non-PCM media types are an
// error.
func ParseMIMEType(mime string, def Format) (Format, error) {
	parts := strings.Split(mime, ";")
	if strings.TrimSpace(strings.ToLower(parts[0])) != pcmMIMEPrefix {
		return Format{}, fmt.Errorf("audio: unsupported media type %q", mime)
	}
	f := def
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return Format{}, fmt.Errorf("audio: bad %s parameter in %q", k, mime)
		}
		switch strings.ToLower(k) {
		case "rate":
			f.SampleRate = n
		case "channels":
			f.Channels = n
		}
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f, nil
}

// Frame is one block of captured audio in normalized float form. Frames are
// produced once per device callback and consumed once by the capture
// pipeline.
type Frame struct {
	// Samples are interleaved and normalized to [-1.0, 1.0].
	Samples []float32

	Format Format

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples)/max(f.Format.Channels, 1), f.Format.SampleRate)
}

// EncodedChunk is a PCM16 byte buffer tagged with its media type. It only
// exists between encoding and the transport send.
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// Segment is a block of inbound PCM16 audio as delivered by the remote
// service, before decoding.
type Segment struct {
	Data   []byte
	Format Format
}

// SamplesDuration converts a per-channel sample count at rate Hz to a
// duration.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}
