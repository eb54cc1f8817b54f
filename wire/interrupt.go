package wire

import "sync/atomic"

// InterruptReason tells an I/O goroutine why it was woken. None is the
// only falsy value; any other reason makes the interrupt truthy so a
// blocking receive can poll it as a single "should I wake" flag.
type InterruptReason int32

const (
	// InterruptNone means no interrupt is pending.
	InterruptNone InterruptReason = 0
	// InterruptClose asks the connection's goroutines to shut down.
	InterruptClose InterruptReason = 1
	// InterruptAddSubscriptions asks an aggregator worker to transmit
	// subscriptions added since its last send.
	InterruptAddSubscriptions InterruptReason = 2
)

// Interrupt is a single-value signal shared between a controller and the
// I/O goroutines it supervises. The zero value is ready to use.
type Interrupt struct {
	v atomic.Int32
}

// Set stores the given reason.
func (i *Interrupt) Set(r InterruptReason) {
	i.v.Store(int32(r))
}

// Clear resets the interrupt to none.
func (i *Interrupt) Clear() {
	i.v.Store(int32(InterruptNone))
}

// CompareAndSwap replaces old with new only if old is still the pending
// reason, and reports whether the swap happened. Workers use it to
// acknowledge a one-shot edge without clobbering a close request that
// arrived in between.
func (i *Interrupt) CompareAndSwap(old, new InterruptReason) bool {
	return i.v.CompareAndSwap(int32(old), int32(new))
}

// Reason returns the currently pending reason.
func (i *Interrupt) Reason() InterruptReason {
	return InterruptReason(i.v.Load())
}

// Triggered reports whether any interrupt is pending.
func (i *Interrupt) Triggered() bool {
	return i.Reason() != InterruptNone
}
