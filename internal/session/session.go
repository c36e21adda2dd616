// Package session coordinates one interview: it connects the transport,
// acquires the audio devices, streams microphone audio out and model speech
// back in, assembles the transcript, and tears everything down exactly once.
//
// A [Session] runs a single control goroutine that owns every piece of
// mutable session state. Host commands (Start, SetMuted, SendText, Finish,
// Cancel) and asynchronous completions (device acquired, transport
// connected, inbound fragments, transport closed, capture error, voice
// ended) are posted to it as messages and processed one at a time. Host
// callbacks run on that goroutine in order and must not call back into the
// Session synchronously.
//
// Status moves idle → connecting → connected → {finished | error}. The two
// terminal states are final; a new interview requires a new Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxview/internal/capture"
	"github.com/MrWong99/voxview/internal/lifecycle"
	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/internal/playback"
	"github.com/MrWong99/voxview/internal/transcript"
	"github.com/MrWong99/voxview/pkg/audio"
	"github.com/MrWong99/voxview/pkg/provider/s2s"
)

// DefaultConnectTimeout bounds the transport handshake and device
// acquisition.
const DefaultConnectTimeout = 30 * time.Second

// Status is the externally observable session state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
	StatusFinished   Status = "finished"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusError || s == StatusFinished }

// Mode selects the media path.
type Mode string

const (
	// ModeVoice captures the microphone and plays model speech.
	ModeVoice Mode = "voice"
	// ModeText exchanges typed turns only; no device is acquired.
	ModeText Mode = "text"
)

// Config holds the collaborators and settings for a Session.
type Config struct {
	// ID identifies the session in logs, spans and metrics. Defaults to a
	// random UUID.
	ID string

	// Mode defaults to [ModeVoice].
	Mode Mode

	// APIKey is the transport credential. Start refuses to connect without
	// one.
	APIKey string

	// Provider opens the transport. Required.
	Provider s2s.Provider

	// Transport is passed to Provider.Connect. TextOnly is forced from Mode.
	Transport s2s.SessionConfig

	// Input and Output are required in voice mode.
	Input  audio.InputDevice
	Output audio.OutputDevice

	// CaptureFormat is requested from Input. Defaults to [audio.Mono16k].
	CaptureFormat audio.Format

	// PlaybackRate is requested from Output. Defaults to
	// [audio.PlaybackSampleRate].
	PlaybackRate int

	// QueueDepth is the capture send queue depth. Zero uses
	// [capture.DefaultQueueDepth].
	QueueDepth int

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// StartMuted starts the session with the microphone muted.
	StartMuted bool

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock stamps log messages. Defaults to [time.Now].
	Clock func() time.Time

	// OnStatusChange is called after every status transition.
	OnStatusChange func(Status)

	// OnLogAppended is called whenever the conversation log changes. merged
	// reports that msg replaces the previous last message rather than
	// following it.
	OnLogAppended func(msg transcript.Message, merged bool)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID            string               `json:"id"`
	Mode          Mode                 `json:"mode"`
	Status        Status               `json:"status"`
	Muted         bool                 `json:"muted"`
	Messages      []transcript.Message `json:"messages"`
	PlaybackClock time.Duration        `json:"playback_clock_ns"`
	LiveVoices    int                  `json:"live_voices"`
	Err           string               `json:"error,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// Session is one interview. Create it with [New].
type Session struct {
	cfg     Config
	id      string
	ctx     context.Context
	metrics *observe.Metrics
	token   *lifecycle.Token

	cmds chan func()
	done chan struct{}

	// Loop-owned state.
	status        Status
	log           *transcript.Assembler
	muted         bool
	err           *Error
	warnings      []error
	connectStart  time.Time
	connectCancel context.CancelFunc
	handle        s2s.SessionHandle
	stream        audio.InputStream
	out           audio.Output
	devicesReady  bool
	pipe          *capture.Pipeline
	sched         *playback.Scheduler
	tornDown      bool

	finalMu sync.Mutex
	final   Snapshot
}

// New validates cfg and starts the control goroutine. The session stays
// idle until [Session.Start].
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeVoice
	}
	switch cfg.Mode {
	case ModeVoice:
		if cfg.Input == nil || cfg.Output == nil {
			return nil, errors.New("session: voice mode requires input and output devices")
		}
	case ModeText:
	default:
		return nil, fmt.Errorf("session: unknown mode %q", cfg.Mode)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CaptureFormat == (audio.Format{}) {
		cfg.CaptureFormat = audio.Mono16k
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = audio.PlaybackSampleRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	cfg.Transport.TextOnly = cfg.Mode == ModeText

	var logOpts []transcript.Option
	if cfg.Clock != nil {
		logOpts = append(logOpts, transcript.WithClock(cfg.Clock))
	}

	s := &Session{
		cfg:     cfg,
		id:      cfg.ID,
		ctx:     observe.WithSessionID(context.Background(), cfg.ID),
		metrics: cfg.Metrics,
		token:   lifecycle.New(),
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		status:  StatusIdle,
		log:     transcript.New(logOpts...),
		muted:   cfg.StartMuted,
	}
	go s.run()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session reached a terminal state and teardown
// completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ─── Host commands ────────────────────────────────────────────────────────────

// Start begins connecting. A missing credential moves the session straight
// to [StatusError] and returns a [KindConfiguration] error; the transport is
// never contacted. Otherwise Start returns once connecting has begun;
// watch OnStatusChange or [Session.Snapshot] for the outcome.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, s.start)
}

// SetMuted sets the microphone mute flag. Muted frames are dropped at the
// capture callback.
func (s *Session) SetMuted(muted bool) {
	s.post(func() {
		s.muted = muted
		if s.pipe != nil {
			s.pipe.SetMuted(muted)
		}
	})
}

// SendText sends a typed turn. The text is appended to the log as a user
// message and the model's streamed reply is appended as it arrives.
// Delivery failures are recoverable and only logged.
func (s *Session) SendText(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("session: empty text")
	}
	return s.call(ctx, func() error { return s.sendText(text) })
}

// Finish ends the session, honoured in any state, and waits for teardown.
// It returns the final transcript and, if the session had failed, its
// fatal error.
func (s *Session) Finish(ctx context.Context) (string, error) {
	s.post(func() { s.terminate(StatusFinished) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	snap := s.Snapshot()
	var err error
	if s.err != nil {
		err = s.err
	}
	return transcript.Render(snap.Messages), err
}

// Cancel tears the session down without waiting.
func (s *Session) Cancel() {
	s.post(func() { s.terminate(StatusFinished) })
}

// Snapshot returns the current state. After teardown it returns the final
// state.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if s.post(func() { reply <- s.snapshot() }) {
		select {
		case snap := <-reply:
			return snap
		case <-s.done:
		}
	}
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return s.final
}

// ─── Control loop ─────────────────────────────────────────────────────────────

// post queues fn for the control goroutine. It reports false once the loop
// has exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the control goroutine and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	for fn := range s.cmds {
		fn()
		if s.tornDown {
			s.finalMu.Lock()
			s.final = s.snapshot()
			s.finalMu.Unlock()
			close(s.done)
			return
		}
	}
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:       s.id,
		Mode:     s.cfg.Mode,
		Status:   s.status,
		Muted:    s.muted,
		Messages: s.log.Messages(),
	}
	if s.sched != nil {
		snap.PlaybackClock = s.sched.Clock()
		snap.LiveVoices = s.sched.Live()
	}
	if s.err != nil {
		snap.Err = s.err.Error()
	}
	for _, w := range s.warnings {
		snap.Warnings = append(snap.Warnings, w.Error())
	}
	return snap
}

func (s *Session) setStatus(st Status) {
	prev := s.status
	if prev == st {
		return
	}
	s.status = st
	observe.Logger(s.ctx).Info("session: status changed", "from", prev, "to", st)

	if s.pipe != nil {
		s.pipe.SetActive(st == StatusConnected)
	}
	switch {
	case st == StatusConnecting:
		s.metrics.ActiveSessions.Add(s.ctx, 1)
	case st.Terminal():
		if prev == StatusConnecting || prev == StatusConnected {
			s.metrics.ActiveSessions.Add(s.ctx, -1)
		}
		s.metrics.RecordSession(s.ctx, string(st))
	}
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(st)
	}
}

func (s *Session) appendLog(role transcript.Role, text string) {
	msg, change := s.log.Add(role, text)
	if change == transcript.Ignored || s.cfg.OnLogAppended == nil {
		return
	}
	s.cfg.OnLogAppended(msg, change == transcript.Merged)
}

// fail records a fatal error as a system log entry, enters the error state
// and tears down.
func (s *Session) fail(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	s.err = e
	observe.Logger(s.ctx).Error("session: failed", "kind", kind.String(), "err", err)
	s.appendLog(transcript.RoleSystem, e.Error())
	s.setStatus(StatusError)
	s.teardown()
	return e
}

// terminate moves a live session to st and tears down. No-op once terminal.
func (s *Session) terminate(st Status) {
	if s.status.Terminal() {
		return
	}
	s.setStatus(st)
	s.teardown()
}

// ─── Connecting ───────────────────────────────────────────────────────────────

func (s *Session) start() error {
	if s.status != StatusIdle {
		return ErrAlreadyStarted
	}
	if s.cfg.APIKey == "" {
		return s.fail(KindConfiguration, ErrMissingCredential)
	}

	s.setStatus(StatusConnecting)
	s.connectStart = time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	s.connectCancel = cancel

	go s.connect(ctx)
	if s.cfg.Mode == ModeVoice {
		go s.acquireDevices(ctx)
	}
	return nil
}

// connect runs the transport handshake off the control goroutine.
func (s *Session) connect(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "session.connect",
		trace.WithAttributes(attribute.String("session.mode", string(s.cfg.Mode))))
	defer span.End()

	handle, err := s.cfg.Provider.Connect(ctx, s.cfg.Transport)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if !s.post(func() { s.onConnected(handle, err) }) && handle != nil {
		_ = handle.Close()
	}
}

// acquireDevices opens the input and output devices off the control
// goroutine. A partial acquisition is released before reporting.
func (s *Session) acquireDevices(ctx context.Context) {
	stream, err := s.cfg.Input.Open(ctx, s.cfg.CaptureFormat)
	if err != nil {
		s.post(func() { s.onDevices(nil, nil, fmt.Errorf("open input: %w", err)) })
		return
	}
	out, err := s.cfg.Output.Open(ctx, s.cfg.PlaybackRate)
	if err != nil {
		_ = stream.Close()
		s.post(func() { s.onDevices(nil, nil, fmt.Errorf("open output: %w", err)) })
		return
	}
	if !s.post(func() { s.onDevices(stream, out, nil) }) {
		_ = stream.Close()
		_ = out.Close()
	}
}

func (s *Session) onConnected(handle s2s.SessionHandle, err error) {
	if s.status != StatusConnecting {
		if handle != nil {
			_ = handle.Close()
		}
		return
	}
	if err != nil {
		s.fail(KindTransport, fmt.Errorf("connect: %w", err))
		return
	}
	s.handle = handle
	s.metrics.ConnectDuration.Record(s.ctx, time.Since(s.connectStart).Seconds())
	go s.pump(handle)
	s.maybeConnected()
}

func (s *Session) onDevices(stream audio.InputStream, out audio.Output, err error) {
	if s.status != StatusConnecting {
		if stream != nil {
			_ = stream.Close()
		}
		if out != nil {
			_ = out.Close()
		}
		return
	}
	if err != nil {
		s.fail(KindDeviceAcquisition, err)
		return
	}
	s.stream, s.out = stream, out
	s.devicesReady = true
	s.sched = playback.New(s.ctx, out, s.token,
		playback.WithMetrics(s.metrics),
		playback.WithDispatch(s.dispatch),
	)
	s.maybeConnected()
}

// dispatch hands ended-voice bookkeeping to the control goroutine. The
// output may signal from inside a Stop issued by the loop itself, so the
// post never runs inline.
func (s *Session) dispatch(fn func()) {
	go s.post(fn)
}

// maybeConnected enters the connected state once the transport is open and,
// in voice mode, the devices are acquired.
func (s *Session) maybeConnected() {
	if s.handle == nil || (s.cfg.Mode == ModeVoice && !s.devicesReady) {
		return
	}
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	if s.cfg.Mode == ModeVoice {
		s.pipe = capture.New(s.ctx, s.stream, s.handle, s.token,
			capture.WithQueueDepth(s.cfg.QueueDepth),
			capture.WithMetrics(s.metrics),
			capture.WithErrorHandler(func(err error) {
				s.post(func() { s.onCaptureError(err) })
			}),
		)
		s.pipe.SetMuted(s.muted)
		s.pipe.Start()
	}
	s.setStatus(StatusConnected)
}

// ─── Streaming ────────────────────────────────────────────────────────────────

// pump forwards inbound transport events to the control goroutine. The
// closed notification is posted after both streams drained so no fragment
// is processed after it.
func (s *Session) pump(handle s2s.SessionHandle) {
	var wg sync.WaitGroup
	wg.Go(func() {
		for frag := range handle.Audio() {
			if s.token.Alive() {
				s.post(func() { s.onAudio(frag) })
			}
		}
	})
	wg.Go(func() {
		for frag := range handle.Transcripts() {
			if s.token.Alive() {
				s.post(func() { s.onTranscript(frag) })
			}
		}
	})
	<-handle.Done()
	wg.Wait()
	if s.token.Alive() {
		s.post(func() { s.onTransportClosed(handle.Err()) })
	}
}

func (s *Session) onAudio(frag s2s.AudioFragment) {
	if s.status != StatusConnected || s.sched == nil {
		return
	}
	s.sched.Enqueue(frag.Data, frag.SampleRate)
}

func (s *Session) onTranscript(frag s2s.TranscriptFragment) {
	if s.status != StatusConnected {
		return
	}
	role := transcript.RoleModel
	if frag.User {
		role = transcript.RoleUser
	}
	s.appendLog(role, frag.Text)
}

func (s *Session) onTransportClosed(err error) {
	if s.status != StatusConnected {
		return
	}
	if err != nil {
		s.fail(KindTransport, err)
		return
	}
	observe.Logger(s.ctx).Info("session: remote closed the session")
	s.terminate(StatusFinished)
}

func (s *Session) onCaptureError(err error) {
	if s.status.Terminal() {
		return
	}
	s.fail(KindDeviceAcquisition, fmt.Errorf("capture: %w", err))
}

func (s *Session) sendText(text string) error {
	if s.status != StatusConnected {
		return ErrNotConnected
	}
	s.appendLog(transcript.RoleUser, text)

	handle := s.handle
	go func() {
		ctx, span := observe.StartSpan(s.ctx, "session.send_text")
		defer span.End()
		reply, err := handle.SendText(ctx, text)
		if err != nil {
			span.RecordError(err)
			s.post(func() { s.onSendFailure(err) })
			return
		}
		for part := range reply {
			if !s.token.Alive() {
				audio.Drain(reply)
				return
			}
			s.post(func() {
				if s.status == StatusConnected {
					s.appendLog(transcript.RoleModel, part)
				}
			})
		}
	}()
	return nil
}

func (s *Session) onSendFailure(err error) {
	if s.status.Terminal() {
		return
	}
	s.metrics.RecordSendFailure(s.ctx, "text")
	observe.Logger(s.ctx).Warn("session: send failed", "err", &Error{Kind: KindSendFailure, Err: err})
}

// ─── Teardown ─────────────────────────────────────────────────────────────────

// teardown releases everything the session owns, in order. Each step runs
// regardless of earlier failures and failures are logged as warnings. Only
// the first call does anything.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.token.Revoke()
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}

	s.step("close_transport", func() error {
		if s.handle == nil {
			return nil
		}
		err := s.handle.Close()
		if errors.Is(err, s2s.ErrSessionClosed) {
			return nil
		}
		return err
	})
	s.step("detach_capture", func() error {
		if s.pipe != nil {
			s.pipe.Detach()
		} else if s.stream != nil {
			s.stream.Detach()
		}
		return nil
	})
	s.step("release_input", func() error {
		var err error
		if s.pipe != nil {
			err = s.pipe.Release()
		} else if s.stream != nil {
			err = s.stream.Close()
		}
		if errors.Is(err, audio.ErrDeviceClosed) {
			return nil
		}
		return err
	})
	s.step("close_output", func() error {
		if s.sched != nil {
			return s.sched.CloseOutput()
		}
		return nil
	})
	s.step("stop_playback", func() error {
		if s.sched != nil {
			return s.sched.StopAll()
		}
		return nil
	})
	observe.Logger(s.ctx).Debug("session: teardown complete", "warnings", len(s.warnings))
}

// step runs one teardown step, converting failures and panics into
// warnings.
func (s *Session) step(name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	w := &Error{Kind: KindTeardownWarning, Err: fmt.Errorf("%s: %w", name, err)}
	s.warnings = append(s.warnings, w)
	s.metrics.RecordTeardownWarning(s.ctx, name)
	observe.Logger(s.ctx).Warn("session: teardown step failed", "step", name, "err", err)
}
