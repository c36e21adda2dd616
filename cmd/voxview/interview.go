package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/voxview/internal/archive"
	"github.com/MrWong99/voxview/internal/config"
	"github.com/MrWong99/voxview/internal/session"
	"github.com/MrWong99/voxview/internal/transcript"
)

// interviewer is the part of [session.Session] the command drives.
type interviewer interface {
	Start(ctx context.Context) error
	SetMuted(muted bool)
	SendText(ctx context.Context, text string) error
	Finish(ctx context.Context) (string, error)
	Done() <-chan struct{}
}

var _ interviewer = (*session.Session)(nil)

// conduct starts sess and blocks until ctx is cancelled, the session ends on
// its own, or the typed turns run out. It always finishes the session and
// returns the final transcript.
func conduct(ctx context.Context, sess interviewer, mode config.Mode, turns io.Reader) (string, error) {
	if err := sess.Start(ctx); err != nil {
		slog.Error("session start failed", "err", err)
	}

	quit := make(chan struct{})
	if mode == config.ModeText && turns != nil {
		go func() {
			defer close(quit)
			readTurns(ctx, sess, turns)
		}()
	}

	select {
	case <-ctx.Done():
	case <-sess.Done():
	case <-quit:
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sess.Finish(finishCtx)
}

// readTurns forwards each non-empty line of r as a typed turn. "/mute" and
// "/unmute" toggle the microphone and "/quit" ends the interview, as does
// EOF.
func readTurns(ctx context.Context, sess interviewer, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/mute":
			sess.SetMuted(true)
			continue
		case "/unmute":
			sess.SetMuted(false)
			continue
		}
		err := sess.SendText(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotConnected):
			slog.Warn("not connected; turn dropped", "text", line)
		case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			slog.Warn("send turn failed", "err", err)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("read turns", "err", err)
	}
}

// buildInstructions folds the interview description into the system
// instruction sent to the transport.
func buildInstructions(iv config.InterviewConfig) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(iv.Instructions))
	var facts []string
	if iv.Candidate != "" {
		facts = append(facts, "Candidate: "+iv.Candidate)
	}
	if iv.Role != "" {
		facts = append(facts, "Role: "+iv.Role)
	}
	if len(iv.Focus) > 0 {
		facts = append(facts, "Focus: "+strings.Join(iv.Focus, ", "))
	}
	if len(facts) == 0 {
		return b.String()
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(facts, "\n"))
	return b.String()
}

// ── Live transcript ──────────────────────────────────────────────────────────

// liveView prints the conversation log as it grows. Merged fragments are
// written as the new tail of the current line. Update is called from the
// session's control goroutine only.
type liveView struct {
	w       io.Writer
	printed int
	started bool
}

func newLiveView(w io.Writer) *liveView {
	return &liveView{w: w}
}

// Update matches [session.Config.OnLogAppended].
func (v *liveView) Update(msg transcript.Message, merged bool) {
	if merged && v.started && len(msg.Text) >= v.printed {
		fmt.Fprint(v.w, msg.Text[v.printed:])
		v.printed = len(msg.Text)
		return
	}
	if v.started {
		fmt.Fprintln(v.w)
	}
	fmt.Fprintf(v.w, "%s: %s", strings.ToUpper(string(msg.Role)), msg.Text)
	v.printed = len(msg.Text)
	v.started = true
}

// ── Result ───────────────────────────────────────────────────────────────────

// result is the document written when the interview ends.
type result struct {
	archive.Record
	Transcript string `json:"transcript"`
}

// writeResult writes res as indented JSON to path, or to fallback when path
// is empty.
func writeResult(path string, fallback io.Writer, res result) error {
	w := fallback
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}
	fmt.Fprintln(fallback)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if path != "" {
		slog.Info("result written", "path", path)
	}
	return nil
}
