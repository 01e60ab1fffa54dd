// Package reload implements a SIGUSR2-triggered config reload signal,
// decoupled from the mechanism that actually re-reads and applies
// configuration (internal/cli owns that).
package reload

import "go.uber.org/zap"

// Notifier delivers one value on C each time a reload is requested.
type Notifier struct {
	C   chan struct{}
	log *zap.Logger
}

// NewNotifier builds and subscribes a Notifier.
func NewNotifier(l *zap.Logger) Notifier {
	n := Notifier{C: make(chan struct{}, 1), log: l}
	n.subscribe()
	return n
}

// Notify requests a reload without waiting for a signal, used by the
// management HTTP endpoint.
func (n *Notifier) Notify() {
	select {
	case n.C <- struct{}{}:
	default:
		// a reload is already pending
	}
}
