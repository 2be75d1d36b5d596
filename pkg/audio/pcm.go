package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale maps normalized floats onto the int16 range.
const pcmScale = 32768

// FloatToPCM16 converts normalized samples to 16-bit little-endian PCM. Each
// sample is multiplied by 32768 and truncated; values outside [-1.0, 1.0)
// are clamped to the int16 range instead of wrapping.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * pcmScale
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat decodes interleaved 16-bit little-endian PCM into one slice of
// normalized samples per channel. The buffer must hold a whole number of
// frames; anything else yields a [*DecodeError].
func PCM16ToFloat(pcm []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid channel count %d", channels)}
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d bytes is not a multiple of the %d-byte frame size", len(pcm), frameBytes)}
	}
	frames := len(pcm) / frameBytes
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := i*frameBytes + ch*2
			out[ch][i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / pcmScale
		}
	}
	return out, nil
}

// EncodeText renders raw bytes as printable text for embedding in JSON
// control messages.
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText reverses [EncodeText].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Err: err}
	}
	return b, nil
}

// Encode converts a captured frame into a chunk ready for the transport.
func Encode(f Frame) EncodedChunk {
	return EncodedChunk{
		Data:     FloatToPCM16(f.Samples),
		MIMEType: f.Format.MIMEType(),
	}
}
