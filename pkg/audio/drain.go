package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer that is still writing to a channel nobody
// consumes anymore (e.g. microphone frames after capture was disabled).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
