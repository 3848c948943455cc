package session

import (
	"time"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

const (
	maxRetries        = 5
	maxPairingRetries = 10

	backoffStep = 3 * time.Second
	backoffMax  = 60 * time.Second

	pairingFallbackDelay = 10 * time.Second
	pairingRetryDelay    = 5 * time.Second
	pairingMaxAttempts   = 5
)

// backoff is the reconnect delay after retries failed attempts.
func backoff(retries int) time.Duration {
	d := backoffStep * time.Duration(retries+1)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// machine is the connection state of one session. It is only changed by transition.
type machine struct {
	Status  v1.Status
	Retries int

	// Manual is set by stop while a socket is open, so the close it causes is
	// not treated as a failure.
	Manual bool

	KeepAlive        bool
	Pairing          bool
	Registered       bool
	PairingRequested bool
	HasSocket        bool
}

type input interface{ isInput() }

type (
	inStart struct {
		Force     bool
		Pairing   bool
		KeepAlive bool
	}
	inQR          struct{}
	inOpen        struct{}
	inClose       struct{ Reason protocol.DisconnectReason }
	inStop        struct{}
	inRegistered  struct{}
	inPairingCode struct{ Code string }
	inFallback    struct{}
	inReconnect   struct{}
)

func (inStart) isInput()       {}
func (inQR) isInput()          {}
func (inOpen) isInput()        {}
func (inClose) isInput()       {}
func (inStop) isInput()        {}
func (inRegistered) isInput()  {}
func (inPairingCode) isInput() {}
func (inFallback) isInput()    {}
func (inReconnect) isInput()   {}

type effect interface{ isEffect() }

type (
	effAnnounce struct {
		Status v1.Status
		Reason protocol.DisconnectReason
	}
	// effReannounce repeats the current state for an idempotent start.
	effReannounce        struct{}
	effEmitQR            struct{}
	effEmitPairingCode   struct{ Code string }
	effCreateSocket      struct{}
	effEndSocket         struct{}
	effDropSocket        struct{}
	effAwaitTeardown     struct{}
	effWipeAuth          struct{}
	effScheduleReconnect struct{ Delay time.Duration }
	effScheduleFallback  struct{ Delay time.Duration }
	effRequestPairing    struct{}
	effCancelTimers      struct{}
)

func (effAnnounce) isEffect()          {}
func (effReannounce) isEffect()        {}
func (effEmitQR) isEffect()            {}
func (effEmitPairingCode) isEffect()   {}
func (effCreateSocket) isEffect()      {}
func (effEndSocket) isEffect()         {}
func (effDropSocket) isEffect()        {}
func (effAwaitTeardown) isEffect()     {}
func (effWipeAuth) isEffect()          {}
func (effScheduleReconnect) isEffect() {}
func (effScheduleFallback) isEffect()  {}
func (effRequestPairing) isEffect()    {}
func (effCancelTimers) isEffect()      {}

// transition is the whole connection policy. It has no side effects; the actor
// executes the returned effects in order.
func transition(m machine, in input) (machine, []effect) {
	switch in := in.(type) {
	case inStart:
		return onStart(m, in)

	case inQR:
		if !m.HasSocket {
			return m, nil
		}
		if m.Pairing {
			if m.PairingRequested || m.Registered {
				return m, nil
			}
			m.PairingRequested = true
			return m, []effect{effRequestPairing{}}
		}
		m.Status = v1.StatusQRCode
		return m, []effect{effEmitQR{}}

	case inFallback:
		if !m.HasSocket || !m.Pairing || m.PairingRequested || m.Registered {
			return m, nil
		}
		m.PairingRequested = true
		return m, []effect{effRequestPairing{}}

	case inPairingCode:
		if !m.HasSocket {
			return m, nil
		}
		m.Status = v1.StatusPairing
		return m, []effect{effEmitPairingCode{Code: in.Code}}

	case inRegistered:
		m.Registered = true
		return m, nil

	case inOpen:
		if !m.HasSocket {
			return m, nil
		}
		m.Status = v1.StatusConnected
		m.Retries = 0
		m.Registered = true
		return m, []effect{effCancelTimers{}, effAnnounce{Status: v1.StatusConnected}}

	case inClose:
		return onClose(m, in.Reason)

	case inStop:
		effs := []effect{effCancelTimers{}}
		if m.HasSocket {
			m.Manual = true
			effs = append(effs, effEndSocket{})
		}
		m.HasSocket = false
		m.Retries = 0
		m.Pairing = false
		m.PairingRequested = false
		m.Registered = false
		m.Status = v1.StatusDisconnected
		return m, append(effs, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected})

	case inReconnect:
		if m.HasSocket {
			return m, nil
		}
		return openSocket(m, nil)
	}
	return m, nil
}

func onStart(m machine, in inStart) (machine, []effect) {
	m.Manual = false
	if m.HasSocket && !in.Force {
		return m, []effect{effReannounce{}}
	}

	effs := []effect{effCancelTimers{}}
	if m.HasSocket {
		// Forced restart: a full stop, then a fresh start once the old socket is gone.
		effs = append(effs, effEndSocket{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected}, effAwaitTeardown{})
		m.HasSocket = false
	}

	m.KeepAlive = in.KeepAlive
	m.Pairing = in.Pairing
	m.Registered = false
	m.Retries = 0
	if in.Pairing {
		effs = append(effs, effWipeAuth{})
	}
	m.Status = ""
	return openSocket(m, effs)
}

func openSocket(m machine, effs []effect) (machine, []effect) {
	if m.Status != v1.StatusOpening {
		effs = append(effs, effAnnounce{Status: v1.StatusOpening})
	}
	m.Status = v1.StatusOpening
	m.HasSocket = true
	m.PairingRequested = false
	if m.Pairing && !m.Registered {
		effs = append(effs, effScheduleFallback{Delay: pairingFallbackDelay})
	}
	return m, append(effs, effCreateSocket{})
}

func onClose(m machine, reason protocol.DisconnectReason) (machine, []effect) {
	if m.Manual {
		m.Manual = false
		m.Retries = 0
		m.HasSocket = false
		return m, []effect{effDropSocket{}}
	}
	if !m.HasSocket {
		return m, nil
	}

	m.HasSocket = false
	m.PairingRequested = false
	effs := []effect{effDropSocket{}, effCancelTimers{}}

	wiped := false
	if reason == protocol.ReasonBadSession {
		effs = append(effs, effWipeAuth{})
		wiped = true
	}

	// A logged-out close during pairing-code registration means the pairing
	// attempt was rejected, not that working credentials died.
	if reason == protocol.ReasonLoggedOut && m.Pairing && !m.Registered {
		if m.KeepAlive || m.Retries < maxPairingRetries {
			effs = append(effs, effWipeAuth{}, effScheduleReconnect{Delay: backoff(m.Retries)})
			m.Retries++
			return m, effs
		}
	} else {
		retryable := reason.Retryable() || (m.KeepAlive && reason == protocol.ReasonBadSession)
		if retryable && (m.KeepAlive || m.Retries < maxRetries) {
			effs = append(effs, effScheduleReconnect{Delay: backoff(m.Retries)})
			m.Retries++
			return m, effs
		}
	}

	if reason == protocol.ReasonLoggedOut && !wiped {
		effs = append(effs, effWipeAuth{})
	}
	m.Retries = 0
	m.Status = v1.StatusDisconnected
	return m, append(effs, effAnnounce{Status: v1.StatusDisconnected, Reason: reason})
}
