package session

import (
	"testing"
	"time"
)

func TestSendLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()

	a := &actor{limiter: newSendLimiter(3, 9*time.Second)}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !a.allowSend(base) {
			t.Fatalf("allowSend(#%d)=false want=true", i)
		}
	}
	if a.allowSend(base.Add(time.Second)) {
		t.Fatalf("allowSend(over burst)=true want=false")
	}
	if !a.allowSend(base.Add(3 * time.Second)) {
		t.Fatalf("allowSend(after one interval)=false want=true")
	}
	if a.allowSend(base.Add(3 * time.Second)) {
		t.Fatalf("only one send is regained per interval")
	}
}

func TestSendLimiterDisabledByDefault(t *testing.T) {
	t.Parallel()

	for _, events := range []int{0, -1} {
		if l := newSendLimiter(events, time.Second); l != nil {
			t.Fatalf("newSendLimiter(%d)=%v want nil", events, l)
		}
	}

	a := &actor{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 1000; i++ {
		if !a.allowSend(now) {
			t.Fatalf("unlimited session rejected send #%d", i)
		}
	}
}

func TestSendLimiterDefaultWindow(t *testing.T) {
	t.Parallel()

	l := newSendLimiter(5, 0)
	if got, want := l.Limit(), 1/(2*time.Second).Seconds(); float64(got) != want {
		t.Fatalf("limit=%v want=%v per second", got, want)
	}
	if l.Burst() != 5 {
		t.Fatalf("burst=%d want=5", l.Burst())
	}
}
