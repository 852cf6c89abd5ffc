package cxp

import (
	"fmt"
	"sync"
)

type handshakeState int

const (
	stateIdle handshakeState = iota
	stateAwaitingInitialize
	stateAwaitingInitialized
	stateActive
	stateShutdown
	stateClosed
)

func (s handshakeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingInitialize:
		return "awaiting initialize"
	case stateAwaitingInitialized:
		return "awaiting initialized"
	case stateActive:
		return "active"
	case stateShutdown:
		return "shut down"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("handshakeState(%d)", int(s))
	}
}

// handshake tracks where a session is in the initialize, initialized, active sequence.
type handshake struct {
	mu    sync.Mutex
	state handshakeState
}

func (h *handshake) set(state handshakeState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *handshake) get() handshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// guard admits the inbound messages of the extension side of a session: initialize first, then
// initialized, then anything but those two, and only exit after shutdown.
func (h *handshake) guard(method string) error {
	state := h.get()

	allowed := false
	switch state {
	case stateAwaitingInitialize:
		allowed = method == MethodInitialize
	case stateAwaitingInitialized:
		allowed = method == MethodInitialized
	case stateActive:
		allowed = method != MethodInitialize && method != MethodInitialized
	case stateShutdown:
		allowed = method == MethodExit
	}
	if !allowed {
		return fmt.Errorf("%w: %s received while %s", ErrHandshakeOrder, method, state)
	}
	return nil
}

// activeGuard admits inbound messages only once the session is active. The client side uses it,
// as the extension may not send anything before it was told the session is initialized.
func (h *handshake) activeGuard(method string) error {
	if state := h.get(); state != stateActive {
		return fmt.Errorf("%w: %s received while %s", ErrHandshakeOrder, method, state)
	}
	return nil
}
