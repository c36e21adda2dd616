// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded 16-bit PCM in both directions: 16 kHz from
// the microphone, 24 kHz (or whatever rate the server declares) back from the
// model. Input and output transcription are always enabled so that both sides
// of the conversation reach the transcript.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxview/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// inputMIMEType declares the capture wire format.
	inputMIMEType = "audio/pcm;rate=16000"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for the server's setupComplete acknowledgement. ctx bounds the dial and the
// handshake only; the returned session lives until Close or remote closure.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		audioCh:     make(chan s2s.AudioFragment, 64),
		transcripts: make(chan s2s.TranscriptFragment, 64),
		nextReady:   make(chan struct{}, 1),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.handshake(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%s)", msg, e.Status)
	}
	return "gemini: " + msg
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	audioCh     chan s2s.AudioFragment
	transcripts chan s2s.TranscriptFragment

	mu     sync.Mutex
	errVal error
	closed bool
	// next is a typed turn posted by SendText that receiveLoop has not yet
	// adopted. Guarded by mu.
	next chan string
	// nextReady wakes receiveLoop when next is set.
	nextReady chan struct{}

	// turn receives model text parts for the current typed turn, if any.
	// Owned by receiveLoop; only receiveLoop sends on or closes it.
	turn chan string

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends the setup message and blocks until setupComplete arrives.
func (s *session) handshake(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	modality := "AUDIO"
	if cfg.TextOnly {
		modality = "TEXT"
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}
	if !cfg.TextOnly {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var reply serverMessage
		if err := json.Unmarshal(data, &reply); err != nil {
			continue
		}
		if reply.Error != nil {
			return reply.Error
		}
		if reply.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns audioCh, transcripts and the pending turn channel: it closes all of
// them, then done, when it exits.
func (s *session) receiveLoop() {
	defer s.finish()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				// Local Close.
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				slog.Debug("gemini: remote closed session")
			default:
				s.setErr(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			s.setErr(msg.Error)
			return
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent forwards audio and text from one serverContent message.
// It returns false if the session ended while forwarding.
func (s *session) handleServerContent(sc *serverContent) bool {
	if s.turn == nil {
		s.adoptTurn()
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				frag := s2s.AudioFragment{
					Data:       p.InlineData.Data,
					SampleRate: parseRate(p.InlineData.MIMEType),
				}
				select {
				case s.audioCh <- frag:
				case <-s.ctx.Done():
					return false
				}
			}
			if p.Text != "" && !s.emitText(p.Text) {
				return false
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emitTranscript(s2s.TranscriptFragment{Text: sc.InputTranscription.Text, User: true}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emitTranscript(s2s.TranscriptFragment{Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		s.endTurn()
	}
	return true
}

// emitText routes a model text part to the pending typed turn, or to the
// transcript stream when no typed turn is waiting.
// A part blocked on an undrained turn when a newer turn is posted is dropped
// with the superseded turn.
func (s *session) emitText(text string) bool {
	if s.turn == nil {
		return s.emitTranscript(s2s.TranscriptFragment{Text: text})
	}
	for {
		select {
		case s.turn <- text:
			return true
		case <-s.nextReady:
			if s.adoptTurn() {
				return true
			}
		case <-s.ctx.Done():
			return false
		}
	}
}

// adoptTurn replaces the current typed turn with the one posted by
// SendText, closing the superseded channel. It reports whether a turn was
// pending.
func (s *session) adoptTurn() bool {
	s.mu.Lock()
	next := s.next
	s.next = nil
	s.mu.Unlock()
	if next == nil {
		return false
	}
	if s.turn != nil {
		close(s.turn)
	}
	s.turn = next
	return true
}

func (s *session) emitTranscript(f s2s.TranscriptFragment) bool {
	select {
	case s.transcripts <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// endTurn closes the current typed turn's channel, if any. A turn posted
// after the completed one stays pending.
func (s *session) endTurn() {
	if s.turn != nil {
		close(s.turn)
		s.turn = nil
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) finish() {
	s.endTurn()
	s.mu.Lock()
	s.closed = true
	if s.next != nil {
		close(s.next)
		s.next = nil
	}
	s.mu.Unlock()
	close(s.audioCh)
	close(s.transcripts)
	close(s.done)
}

// parseRate extracts the rate parameter of an audio/pcm MIME type. It
// returns 0 when absent or malformed.
func parseRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0
	}
	return rate
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one base64-encoded 16 kHz s16le mono chunk to the model.
func (s *session) SendAudio(encoded string) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: inputMIMEType, Data: encoded}},
		},
	}
	return s.writeJSON(s.ctx, msg)
}

// SendText sends a complete user turn. Model text parts that arrive before
// the turn completes are streamed on the returned channel. A previous
// unfinished turn's channel is closed once the receive loop moves on.
func (s *session) SendText(ctx context.Context, text string) (<-chan string, error) {
	ch := make(chan string, 16)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s2s.ErrSessionClosed
	}
	if s.next != nil {
		// Never adopted, so receiveLoop holds no reference to it.
		close(s.next)
	}
	s.next = ch
	s.mu.Unlock()
	select {
	case s.nextReady <- struct{}{}:
	default:
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		s.mu.Lock()
		if s.next == ch {
			close(ch)
			s.next = nil
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("gemini: send text: %w", err)
	}
	return ch, nil
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan s2s.AudioFragment { return s.audioCh }

// Transcripts returns the channel on which transcript fragments arrive.
func (s *session) Transcripts() <-chan s2s.TranscriptFragment { return s.transcripts }

// Done is closed after the receive loop has exited.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel() // unblocks receiveLoop and keepaliveLoop
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("gemini: close", "err", err)
		}
	})
	return nil
}
