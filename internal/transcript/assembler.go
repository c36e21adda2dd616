// Package transcript assembles streamed text fragments from both parties of
// an interview into an ordered conversation log.
//
// Fragments arrive in the order the transport delivers them and may be
// sub-word. Consecutive fragments from the same speaker grow a single
// message; a change of speaker starts a new one. System entries (failure
// notices and the like) are always separate messages and never appear in the
// final transcript handed to report generation.
//
// An Assembler is owned by a single goroutine and is not safe for concurrent
// use.
package transcript

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Message is one entry of the conversation log.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Change describes what [Assembler.Add] did with a fragment.
type Change int

const (
	// Ignored means the fragment was empty and the log is unchanged.
	Ignored Change = iota
	// Appended means a new message was added to the end of the log.
	Appended
	// Merged means the last message's text grew in place.
	Merged
)

// Option is a functional option for configuring an Assembler.
type Option func(*Assembler)

// WithClock sets the timestamp source for new messages. Defaults to
// [time.Now].
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// Assembler builds the conversation log.
type Assembler struct {
	messages []Message
	now      func() time.Time
}

// New returns an empty assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add applies one (role, fragment) event. A user or model fragment extends
// the last message when it has the same role; anything else appends a new
// message stamped with the current time. Empty user or model fragments are
// ignored. It returns the message as it now stands in the log.
func (a *Assembler) Add(role Role, text string) (Message, Change) {
	if text == "" && role != RoleSystem {
		return Message{}, Ignored
	}
	if n := len(a.messages); n > 0 && role != RoleSystem && a.messages[n-1].Role == role {
		last := &a.messages[n-1]
		last.Text = join(last.Text, text)
		return *last, Merged
	}
	msg := Message{Role: role, Text: text, Timestamp: a.now()}
	a.messages = append(a.messages, msg)
	return msg, Appended
}

// join concatenates two fragments of the same utterance. Fragment boundaries
// are taken as delivered: whitespace is neither inserted nor collapsed, so
// sub-word pieces fuse ("Hel"+"lo") and spaced pieces keep exactly the space
// they carry ("Hi "+"there").
func join(prev, next string) string {
	return prev + next
}

// Len returns the number of messages.
func (a *Assembler) Len() int { return len(a.messages) }

// Messages returns a copy of the log.
func (a *Assembler) Messages() []Message {
	cp := make([]Message, len(a.messages))
	copy(cp, a.messages)
	return cp
}

// Last returns the most recent message, if any.
func (a *Assembler) Last() (Message, bool) {
	if len(a.messages) == 0 {
		return Message{}, false
	}
	return a.messages[len(a.messages)-1], true
}

// LastSystem returns the most recent system message, which is the visible
// failure reason after an error.
func (a *Assembler) LastSystem() (Message, bool) {
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == RoleSystem {
			return a.messages[i], true
		}
	}
	return Message{}, false
}

// Final renders the transcript handed to report generation.
func (a *Assembler) Final() string { return Render(a.messages) }

// Render formats msgs as "ROLE: text" lines in order, skipping system
// entries.
func Render(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}
