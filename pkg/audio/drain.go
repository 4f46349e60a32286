package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer blocked on an unread channel, such as the
// Audio channel of an abandoned [Stream].
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
