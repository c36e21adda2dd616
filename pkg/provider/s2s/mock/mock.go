// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive the inbound audio and transcript streams from the test
// and to inspect what the session engine sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.PushTranscript(s2s.TranscriptFragment{Text: "Hi", User: true})
//	sess.End(nil) // normal remote closure
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxview/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new [Session] from [NewSession].
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until Gate is closed or the
	// context is done. A done context fails Connect with ctx.Err().
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// SendTextCall records a single invocation of Session.SendText.
type SendTextCall struct {
	// Text is the typed turn.
	Text string
}

// Session is a mock implementation of s2s.SessionHandle with buffered
// inbound channels. The test feeds inbound events with PushAudio and
// PushTranscript and ends the session with End or Close.
type Session struct {
	mu sync.Mutex

	audioCh     chan s2s.AudioFragment
	transcripts chan s2s.TranscriptFragment
	done        chan struct{}
	ended       bool
	err         error

	// --- Configurable behaviour ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioFunc, if non-nil, is invoked by SendAudio outside the lock
	// after the call is recorded; its return value replaces SendAudioErr.
	SendAudioFunc func(encoded string) error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// TextReply is streamed on the channel returned by SendText, which is
	// then closed.
	TextReply []string

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every encoded chunk passed to SendAudio in order.
	SendAudioCalls []string

	// SendTextCalls records every call to SendText in order.
	SendTextCalls []SendTextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open session with generously buffered channels.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan s2s.AudioFragment, 64),
		transcripts: make(chan s2s.TranscriptFragment, 64),
		done:        make(chan struct{}),
	}
}

// PushAudio enqueues an inbound audio fragment. It reports false if the
// session has already ended.
func (s *Session) PushAudio(f s2s.AudioFragment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.audioCh <- f
	return true
}

// PushTranscript enqueues an inbound transcript fragment. It reports false if
// the session has already ended.
func (s *Session) PushTranscript(f s2s.TranscriptFragment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.transcripts <- f
	return true
}

// End simulates the remote side ending the session. A nil err is a normal
// closure. Subsequent calls are no-ops.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.audioCh)
	close(s.transcripts)
	close(s.done)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(encoded string) error {
	s.mu.Lock()
	s.SendAudioCalls = append(s.SendAudioCalls, encoded)
	fn, err, ended := s.SendAudioFunc, s.SendAudioErr, s.ended
	s.mu.Unlock()

	if ended {
		return s2s.ErrSessionClosed
	}
	if fn != nil {
		return fn(encoded)
	}
	return err
}

// SendText records the call and returns a closed channel carrying TextReply.
func (s *Session) SendText(_ context.Context, text string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, SendTextCall{Text: text})
	if s.ended {
		return nil, s2s.ErrSessionClosed
	}
	if s.SendTextErr != nil {
		return nil, s.SendTextErr
	}
	ch := make(chan string, len(s.TextReply))
	for _, part := range s.TextReply {
		ch <- part
	}
	close(ch)
	return ch, nil
}

// Audio returns the inbound audio channel.
func (s *Session) Audio() <-chan s2s.AudioFragment { return s.audioCh }

// Transcripts returns the inbound transcript channel.
func (s *Session) Transcripts() <-chan s2s.TranscriptFragment { return s.transcripts }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, ends the session cleanly and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked(nil)
	return s.CloseErr
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// SentAudio returns a copy of SendAudioCalls. Thread-safe.
func (s *Session) SentAudio() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.SendAudioCalls))
	copy(cp, s.SendAudioCalls)
	return cp
}

// SentText returns a copy of SendTextCalls. Thread-safe.
func (s *Session) SentText() []SendTextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]SendTextCall, len(s.SendTextCalls))
	copy(cp, s.SendTextCalls)
	return cp
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
