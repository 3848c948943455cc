package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var got []int
	c.AfterFunc(3*time.Second, func() { got = append(got, 3) })
	c.AfterFunc(1*time.Second, func() { got = append(got, 1) })
	c.AfterFunc(2*time.Second, func() { got = append(got, 2) })

	c.Advance(2 * time.Second)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("after 2s fired=%v want=[1 2]", got)
	}
	c.Advance(time.Second)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("after 3s fired=%v want=[1 2 3]", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0", c.Pending())
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("Stop() on pending timer should report true")
	}
	if tm.Stop() {
		t.Fatalf("second Stop() should report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
	}
	if count != 3 {
		t.Fatalf("count=%d want=3", count)
	}
}

func TestFakeAfterAndWaitForTimers(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	done := make(chan time.Time, 1)
	go func() { done <- <-c.After(5 * time.Second) }()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case at := <-done:
		if !at.Equal(epoch.Add(5 * time.Second)) {
			t.Fatalf("After delivered %v", at)
		}
	case <-time.After(time.Second):
		t.Fatalf("After did not fire")
	}
}

func TestNilTimerStop(t *testing.T) {
	t.Parallel()

	var tm *Timer
	if tm.Stop() {
		t.Fatalf("nil timer Stop() should be false")
	}
}
