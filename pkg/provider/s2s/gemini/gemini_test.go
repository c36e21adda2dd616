package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxview/pkg/provider/s2s"
	"github.com/MrWong99/voxview/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitClosed blocks the handler until the client goes away.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a session against srv and closes it on cleanup.
func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
					LanguageCode string `json:"languageCode"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions: "You are interviewing Ada.",
		Voice:        "Kore",
		Language:     "en-US",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	msg := <-received
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are interviewing Ada." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	sc := msg.Setup.GenerationConfig.SpeechConfig
	if sc == nil {
		t.Fatal("speechConfig missing")
	}
	if sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("voiceName = %q; want Kore", sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	}
	if sc.LanguageCode != "en-US" {
		t.Errorf("languageCode = %q; want en-US", sc.LanguageCode)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("audio transcription not enabled")
	}
}

func TestConnect_TextOnlyModality(t *testing.T) {
	t.Parallel()

	modalities := make(chan []string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				GenerationConfig struct {
					ResponseModalities []string `json:"responseModalities"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modalities <- msg.Setup.GenerationConfig.ResponseModalities
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	connect(t, srv, s2s.SessionConfig{TextOnly: true})
	if got := <-modalities; len(got) != 1 || got[0] != "TEXT" {
		t.Errorf("responseModalities = %v; want [TEXT]", got)
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		acceptSetup(t, conn)
		waitClosed(conn)
	})

	connect(t, srv, s2s.SessionConfig{})
	if got := <-keyCh; got != "test-api-key" {
		t.Errorf("key = %q; want %q", got, "test-api-key")
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	result := make(chan error, 1)
	go func() {
		h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			_ = h.Close()
		}
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Connect")
	}
}

func TestConnect_SetupError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{
			"code": 401, "message": "API key not valid", "status": "UNAUTHENTICATED",
		}})
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected setup error")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("error = %v; want server message", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitClosed(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── SendAudio / SendText ──────────────────────────────────────────────────────

func TestSendAudio_PassesEncodedChunk(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan chunkMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		got <- msg
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if err := h.SendAudio("AAD/fw=="); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("mediaChunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != "AAD/fw==" {
			t.Errorf("data = %q; want passthrough", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	_ = h.Close()
	if err := h.SendAudio("AAA="); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
	if _, err := h.SendText(context.Background(), "hi"); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v; want ErrSessionClosed", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	h := connect(t, srv, s2s.SessionConfig{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 10 {
				_ = h.SendAudio("AAA=")
			}
		})
	}
	wg.Wait()
}

func TestSendText_StreamsTurnReply(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	sent := make(chan contentMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg contentMsg
		readJSON(t, conn, &msg)
		sent <- msg
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "Tell me "}}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "about Go."}}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{TextOnly: true})
	reply, err := h.SendText(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var parts []string
	timeout := time.After(3 * time.Second)
loop:
	for {
		select {
		case p, ok := <-reply:
			if !ok {
				break loop
			}
			parts = append(parts, p)
		case <-timeout:
			t.Fatal("timeout waiting for turn to complete")
		}
	}
	if got := strings.Join(parts, ""); got != "Tell me about Go." {
		t.Errorf("reply = %q", got)
	}

	msg := <-sent
	turns := msg.ClientContent.Turns
	if len(turns) != 1 || turns[0].Role != "user" || turns[0].Parts[0].Text != "Hello" {
		t.Errorf("turns = %+v", turns)
	}
	if !msg.ClientContent.TurnComplete {
		t.Error("turnComplete = false; want true")
	}
}

// collect reads ch until it is closed and returns the joined parts.
func collect(t *testing.T, ch <-chan string) string {
	t.Helper()
	var b strings.Builder
	timeout := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return b.String()
			}
			b.WriteString(p)
		case <-timeout:
			t.Fatal("timeout waiting for turn channel to close")
			return ""
		}
	}
}

func TestSendText_NewTurnSupersedesUndrainedTurn(t *testing.T) {
	t.Parallel()

	// The first reply overflows its channel buffer by one part and never
	// completes; the second completes normally.
	const firstParts = 17
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var raw map[string]any
		readJSON(t, conn, &raw)
		for range firstParts {
			writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "a"}}},
			}})
		}
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "second"}}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{TextOnly: true})
	first, err := h.SendText(context.Background(), "one")
	if err != nil {
		t.Fatalf("SendText one: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(first) < cap(first) {
		if time.Now().After(deadline) {
			t.Fatalf("first reply buffered %d parts, want %d", len(first), cap(first))
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := h.SendText(context.Background(), "two")
	if err != nil {
		t.Fatalf("SendText two: %v", err)
	}
	if got := collect(t, second); got != "second" {
		t.Errorf("second reply = %q, want %q", got, "second")
	}
	if got := collect(t, first); got != strings.Repeat("a", cap(first)) {
		t.Errorf("first reply = %q, want %d buffered parts", got, cap(first))
	}

	select {
	case <-h.Done():
		t.Fatalf("session ended: %v", h.Err())
	default:
	}
}

// ── Inbound streams ───────────────────────────────────────────────────────────

func TestAudio_DeliversFragmentsWithRate(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQI="}},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "AwQ="}},
			}},
		}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	want := []s2s.AudioFragment{
		{Data: "AQI=", SampleRate: 24000},
		{Data: "AwQ=", SampleRate: 0},
	}
	for i, w := range want {
		select {
		case got := <-h.Audio():
			if got != w {
				t.Errorf("fragment %d = %+v; want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for fragment %d", i)
		}
	}
}

func TestTranscripts_BothSpeakers(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Hel"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Hi"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{"text": " there"}}},
		}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	want := []s2s.TranscriptFragment{
		{Text: "Hel", User: true},
		{Text: "Hi"},
		{Text: " there"},
	}
	for i, w := range want {
		select {
		case got := <-h.Transcripts():
			if got != w {
				t.Errorf("fragment %d = %+v; want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for fragment %d", i)
		}
	}
}

// ── Termination ───────────────────────────────────────────────────────────────

func TestDone_NormalRemoteClosure(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	h := connect(t, srv, s2s.SessionConfig{})
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err = %v; want nil for normal closure", err)
	}
	if _, ok := <-h.Audio(); ok {
		t.Error("Audio channel should be closed")
	}
	if _, ok := <-h.Transcripts(); ok {
		t.Error("Transcripts channel should be closed")
	}
}

func TestDone_AbnormalClosureSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	h := connect(t, srv, s2s.SessionConfig{})
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done")
	}
	if h.Err() == nil {
		t.Error("Err = nil; want abnormal closure error")
	}
}

func TestDone_ServerErrorMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done")
	}
	if err := h.Err(); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Err = %v; want quota error", err)
	}
}

func TestClose_IdempotentAndClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if err := h.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done after Close")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err after local Close = %v; want nil", err)
	}
}
