package session

import (
	"reflect"
	"testing"
	"time"

	"watink/cmd/internal/protocol"
	v1 "watink/shared/contracts/bus/v1"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 3 * time.Second},
		{1, 6 * time.Second},
		{4, 15 * time.Second},
		{19, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.retries); got != tc.want {
			t.Fatalf("backoff(%d)=%v want=%v", tc.retries, got, tc.want)
		}
	}
}

func TestStartOpensOneSocket(t *testing.T) {
	t.Parallel()

	m, effs := transition(machine{}, inStart{})
	want := []effect{effCancelTimers{}, effAnnounce{Status: v1.StatusOpening}, effCreateSocket{}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("start effects=%#v want=%#v", effs, want)
	}
	if !m.HasSocket || m.Status != v1.StatusOpening {
		t.Fatalf("start machine=%+v", m)
	}

	m2, effs := transition(m, inStart{})
	if !reflect.DeepEqual(effs, []effect{effReannounce{}}) {
		t.Fatalf("second start effects=%#v", effs)
	}
	if m2 != m {
		t.Fatalf("second start changed machine: %+v -> %+v", m, m2)
	}
}

func TestForceStartStopsFirst(t *testing.T) {
	t.Parallel()

	m, _ := transition(machine{}, inStart{})
	m, _ = transition(m, inOpen{})
	m, effs := transition(m, inStart{Force: true})

	want := []effect{
		effCancelTimers{},
		effEndSocket{},
		effWipeAuth{},
		effAnnounce{Status: v1.StatusDisconnected},
		effAwaitTeardown{},
		effAnnounce{Status: v1.StatusOpening},
		effCreateSocket{},
	}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("force effects=%#v want=%#v", effs, want)
	}
	if m.Manual {
		t.Fatalf("force restart must not leave the manual marker set")
	}
}

func TestQRAndOpen(t *testing.T) {
	t.Parallel()

	m, _ := transition(machine{}, inStart{})
	m, effs := transition(m, inQR{})
	if !reflect.DeepEqual(effs, []effect{effEmitQR{}}) || m.Status != v1.StatusQRCode {
		t.Fatalf("qr: %+v %#v", m, effs)
	}

	m.Retries = 3
	m, effs = transition(m, inOpen{})
	if !reflect.DeepEqual(effs, []effect{effCancelTimers{}, effAnnounce{Status: v1.StatusConnected}}) {
		t.Fatalf("open effects=%#v", effs)
	}
	if m.Retries != 0 || m.Status != v1.StatusConnected || !m.Registered {
		t.Fatalf("open machine=%+v", m)
	}
}

func TestPairingRequestedOnce(t *testing.T) {
	t.Parallel()

	m, effs := transition(machine{}, inStart{Pairing: true})
	want := []effect{
		effCancelTimers{},
		effWipeAuth{},
		effAnnounce{Status: v1.StatusOpening},
		effScheduleFallback{Delay: pairingFallbackDelay},
		effCreateSocket{},
	}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("pairing start effects=%#v want=%#v", effs, want)
	}

	m, effs = transition(m, inQR{})
	if !reflect.DeepEqual(effs, []effect{effRequestPairing{}}) {
		t.Fatalf("first qr effects=%#v", effs)
	}
	for _, in := range []input{inQR{}, inFallback{}} {
		if _, effs := transition(m, in); len(effs) != 0 {
			t.Fatalf("%T after request should be a no-op, got %#v", in, effs)
		}
	}

	m, effs = transition(m, inPairingCode{Code: "ABCD-1234"})
	if m.Status != v1.StatusPairing || !reflect.DeepEqual(effs, []effect{effEmitPairingCode{Code: "ABCD-1234"}}) {
		t.Fatalf("pairing code: %+v %#v", m, effs)
	}
}

func TestPairingFallbackWithoutQR(t *testing.T) {
	t.Parallel()

	m, _ := transition(machine{}, inStart{Pairing: true})
	m, effs := transition(m, inFallback{})
	if !reflect.DeepEqual(effs, []effect{effRequestPairing{}}) || !m.PairingRequested {
		t.Fatalf("fallback: %+v %#v", m, effs)
	}

	registered, _ := transition(machine{}, inStart{Pairing: true})
	registered, _ = transition(registered, inRegistered{})
	if _, effs := transition(registered, inFallback{}); len(effs) != 0 {
		t.Fatalf("fallback after registration should be a no-op, got %#v", effs)
	}
}

func TestCloseRetryableSchedulesReconnect(t *testing.T) {
	t.Parallel()

	m, _ := transition(machine{}, inStart{})
	m, _ = transition(m, inOpen{})
	m, effs := transition(m, inClose{Reason: protocol.ReasonConnectionLost})

	want := []effect{effDropSocket{}, effCancelTimers{}, effScheduleReconnect{Delay: 3 * time.Second}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("close effects=%#v want=%#v", effs, want)
	}
	if m.Retries != 1 || m.HasSocket {
		t.Fatalf("close machine=%+v", m)
	}

	m, effs = transition(m, inReconnect{})
	want = []effect{effAnnounce{Status: v1.StatusOpening}, effCreateSocket{}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("reconnect effects=%#v want=%#v", effs, want)
	}

	m, effs = transition(m, inClose{Reason: protocol.ReasonRestartRequired})
	if !reflect.DeepEqual(effs[len(effs)-1], effScheduleReconnect{Delay: 6 * time.Second}) || m.Retries != 2 {
		t.Fatalf("second close: %+v %#v", m, effs)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	m := machine{HasSocket: true, Status: v1.StatusOpening, Retries: maxRetries}
	m, effs := transition(m, inClose{Reason: protocol.ReasonConnectionLost})
	want := []effect{effDropSocket{}, effCancelTimers{}, effAnnounce{Status: v1.StatusDisconnected, Reason: protocol.ReasonConnectionLost}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("exhausted effects=%#v want=%#v", effs, want)
	}
	if m.Retries != 0 || m.Status != v1.StatusDisconnected {
		t.Fatalf("exhausted machine=%+v", m)
	}

	keep := machine{HasSocket: true, Retries: 40, KeepAlive: true}
	_, effs = transition(keep, inClose{Reason: protocol.ReasonConnectionLost})
	if !reflect.DeepEqual(effs[len(effs)-1], effScheduleReconnect{Delay: backoffMax}) {
		t.Fatalf("keepAlive should keep retrying, got %#v", effs)
	}
}

func TestCloseNonRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		m      machine
		reason protocol.DisconnectReason
		want   []effect
	}{
		{
			name:   "logged out wipes dead credentials",
			m:      machine{HasSocket: true, Registered: true},
			reason: protocol.ReasonLoggedOut,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected, Reason: protocol.ReasonLoggedOut}},
		},
		{
			name:   "forbidden",
			m:      machine{HasSocket: true},
			reason: protocol.ReasonForbidden,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effAnnounce{Status: v1.StatusDisconnected, Reason: protocol.ReasonForbidden}},
		},
		{
			name:   "bad session wipes once",
			m:      machine{HasSocket: true},
			reason: protocol.ReasonBadSession,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected, Reason: protocol.ReasonBadSession}},
		},
		{
			name:   "bad session with keepAlive retries after wipe",
			m:      machine{HasSocket: true, KeepAlive: true},
			reason: protocol.ReasonBadSession,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effWipeAuth{}, effScheduleReconnect{Delay: 3 * time.Second}},
		},
		{
			name:   "logged out while pairing is transient",
			m:      machine{HasSocket: true, Pairing: true},
			reason: protocol.ReasonLoggedOut,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effWipeAuth{}, effScheduleReconnect{Delay: 3 * time.Second}},
		},
		{
			name:   "logged out while pairing gives up after budget",
			m:      machine{HasSocket: true, Pairing: true, Retries: maxPairingRetries},
			reason: protocol.ReasonLoggedOut,
			want:   []effect{effDropSocket{}, effCancelTimers{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected, Reason: protocol.ReasonLoggedOut}},
		},
	}

	for _, tc := range cases {
		_, effs := transition(tc.m, inClose{Reason: tc.reason})
		if !reflect.DeepEqual(effs, tc.want) {
			t.Fatalf("%s: effects=%#v want=%#v", tc.name, effs, tc.want)
		}
	}
}

func TestStopSetsMarkerAndCloseConsumesIt(t *testing.T) {
	t.Parallel()

	m, _ := transition(machine{}, inStart{})
	m, _ = transition(m, inOpen{})
	m, effs := transition(m, inStop{})

	want := []effect{effCancelTimers{}, effEndSocket{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("stop effects=%#v want=%#v", effs, want)
	}
	if !m.Manual || m.HasSocket {
		t.Fatalf("stop machine=%+v", m)
	}

	m, effs = transition(m, inClose{Reason: protocol.ReasonConnectionClosed})
	if !reflect.DeepEqual(effs, []effect{effDropSocket{}}) {
		t.Fatalf("close after stop effects=%#v", effs)
	}
	if m.Manual || m.Retries != 0 {
		t.Fatalf("marker not consumed: %+v", m)
	}
}

func TestStopWithoutSocketStillWipes(t *testing.T) {
	t.Parallel()

	m, effs := transition(machine{}, inStop{})
	want := []effect{effCancelTimers{}, effWipeAuth{}, effAnnounce{Status: v1.StatusDisconnected}}
	if !reflect.DeepEqual(effs, want) {
		t.Fatalf("stop effects=%#v want=%#v", effs, want)
	}
	if m.Manual {
		t.Fatalf("marker set without a socket")
	}
}

func TestEventsWithoutSocketAreIgnored(t *testing.T) {
	t.Parallel()

	for _, in := range []input{inQR{}, inOpen{}, inFallback{}, inPairingCode{Code: "x"}, inClose{Reason: protocol.ReasonConnectionLost}} {
		if _, effs := transition(machine{}, in); len(effs) != 0 {
			t.Fatalf("%T without socket produced %#v", in, effs)
		}
	}
}
