package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer whose stream outlived its consumer, such as a
// text reply still streaming after the session shut down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
