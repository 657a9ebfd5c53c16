package meter

import "time"

// backoff doubles the retry delay up to a maximum. Only the loop goroutine uses it.
type backoff struct {
	current  time.Duration
	initial  time.Duration
	maxDelay time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, maxDelay: maxDelay}
}

// Next returns the current delay and advances to the next value
func (b *backoff) Next() time.Duration {
	current := b.current
	b.current = min(b.current*2, b.maxDelay)
	return current
}

// Reset sets the delay back to the initial value
func (b *backoff) Reset() {
	b.current = b.initial
}
