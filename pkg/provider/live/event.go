package live

import "github.com/MrWong99/netassist/pkg/audio"

// Speaker tags transcript text with who said it.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Event is a message from the server. It is one of [AudioEvent],
// [TranscriptEvent], [TurnCompleteEvent], [InterruptedEvent], [ErrorEvent]
// or [ClosedEvent].
type Event interface {
	isEvent()
}

// AudioEvent carries one segment of synthesized speech as raw PCM16.
type AudioEvent struct {
	Segment audio.Segment
}

// TranscriptEvent carries incremental transcript text.
type TranscriptEvent struct {
	Text    string
	Speaker Speaker
}

// TurnCompleteEvent marks the end of a model turn.
type TurnCompleteEvent struct{}

// InterruptedEvent reports that the user started speaking over the model.
// Any queued model audio must be discarded.
type InterruptedEvent struct{}

// ErrorEvent reports a fatal session error. It is always followed by the
// channel closing.
type ErrorEvent struct {
	Err error
}

// ClosedEvent reports that the server ended the session normally.
type ClosedEvent struct {
	// Code is the WebSocket close code, or 0 when unknown.
	Code   int
	Reason string
}

func (AudioEvent) isEvent()        {}
func (TranscriptEvent) isEvent()   {}
func (TurnCompleteEvent) isEvent() {}
func (InterruptedEvent) isEvent()  {}
func (ErrorEvent) isEvent()        {}
func (ClosedEvent) isEvent()       {}
