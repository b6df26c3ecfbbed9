package push

import "time"

// maxBackoffShift caps the exponent so the shift below cannot overflow;
// any attempt this high saturates at the max delay anyway.
const maxBackoffShift = 16

// ReconnectDelay returns min(base * 2^attempt, max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
