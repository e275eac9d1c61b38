// Package limiter implements the counting semaphore that bounds
// in-flight dispatch operations at maxWorkers: Acquire
// suspends until a permit is free, Release always runs on both
// success and error paths.
package limiter

import "context"

// Limiter is a counting semaphore with a fixed number of permits.
type Limiter struct {
	slots chan struct{}
}

// New returns a Limiter with n permits. n must be positive.
func New(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or ctx is canceled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool. Callers must call Release
// exactly once for every successful Acquire, including on error paths.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		panic("limiter: Release without matching Acquire")
	}
}

// InFlight reports how many permits are currently held, used by the
// monitor's active-worker-count snapshot.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

// Capacity reports the total number of permits.
func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
