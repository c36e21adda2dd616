// Package s2s defines the Transport contract between the voxview session
// engine and a remote real-time conversational AI service.
//
// A Provider opens a SessionHandle: a bidirectional channel that carries
// transport-encoded audio in both directions, streamed transcript fragments
// for both parties, and typed text turns. Sessions are long-lived (minutes)
// and owned exclusively by one session state machine.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods called after Close or
// after the remote side ended the session.
var ErrSessionClosed = errors.New("s2s: session closed")

// AudioFragment is one inbound block of model speech.
type AudioFragment struct {
	// Data is the transport-encoded (base64) little-endian 16-bit mono PCM.
	Data string

	// SampleRate in Hz as declared by the remote side. Zero means the
	// default playback rate (24 kHz).
	SampleRate int
}

// TranscriptFragment is one streamed piece of recognised or generated text.
// Fragments may be sub-word.
type TranscriptFragment struct {
	// Text is the fragment as received, including any boundary whitespace.
	Text string

	// User is true for recognised human speech and false for the model.
	User bool
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt describing the interviewer's
	// role, the candidate, and the interview goals.
	Instructions string

	// Voice is the provider-specific voice name for synthesised speech.
	// Empty selects the provider default.
	Voice string

	// Language is an optional BCP-47 language hint for speech recognition
	// and synthesis.
	Language string

	// TextOnly requests text responses instead of audio (text chat mode).
	TextOnly bool
}

// SessionHandle represents an open session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one transport-encoded 16 kHz PCM chunk. Returns an
	// error if the session is closed or the chunk could not be written.
	SendAudio(encoded string) error

	// SendText submits a typed user turn and returns a channel streaming the
	// model's text reply for that turn. The channel is closed when the turn
	// completes, a newer turn supersedes it, or the session ends. In audio
	// mode the reply may arrive only as audio and transcripts, in which case
	// the channel closes empty.
	SendText(ctx context.Context, text string) (<-chan string, error)

	// Audio returns a read-only channel of inbound audio fragments in arrival
	// order. The channel is closed when the session ends.
	Audio() <-chan AudioFragment

	// Transcripts returns a read-only channel of transcript fragments for
	// both parties in arrival order. The channel is closed when the session
	// ends.
	Transcripts() <-chan TranscriptFragment

	// Done is closed once the session has ended, after Audio and Transcripts
	// have been closed. Check Err afterwards.
	Done() <-chan struct{}

	// Err returns the error that ended the session, or nil if it ended
	// cleanly (local Close or normal remote closure).
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any real-time conversational backend.
type Provider interface {
	// Connect opens a session and returns once the remote side has
	// acknowledged the setup. The supplied ctx bounds the connection attempt
	// only. Returns an error on authentication, dial, or setup failure.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
