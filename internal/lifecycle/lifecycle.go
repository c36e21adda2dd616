// Package lifecycle provides the liveness token shared between a session and
// the components it owns.
//
// A session hands its [Token] to every component it creates. Asynchronous
// continuations (device callbacks, transport receives, playback ended
// signals) check [Token.Alive] before acting, so work that races a teardown
// is dropped instead of touching released resources. Components never keep
// the session itself alive through the token.
package lifecycle

import "sync/atomic"

// Token is a one-way liveness flag. The zero value is not alive; use [New].
// It is safe for concurrent use.
type Token struct {
	alive atomic.Bool
}

// New returns a live token.
func New() *Token {
	t := &Token{}
	t.alive.Store(true)
	return t
}

// Alive reports whether the owner has not been torn down yet. A nil token is
// never alive.
func (t *Token) Alive() bool {
	return t != nil && t.alive.Load()
}

// Revoke marks the token dead. It reports whether this call performed the
// transition, which lets callers run teardown exactly once.
func (t *Token) Revoke() bool {
	return t.alive.CompareAndSwap(true, false)
}
