package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeNowAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before the deadline was reached")
	case <-time.After(10 * time.Millisecond):
	}

	f.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, f.Now(), fired)
	case <-time.After(time.Second):
		t.Fatal("After never fired after Advance reached its deadline")
	}
}

func TestFakeAfterPastDeadlineFiresImmediately(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := f.After(0)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("After(0) never fired")
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	done := make(chan struct{})

	go func() {
		f.Sleep(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Sleep returned before the clock advanced")
	case <-time.After(10 * time.Millisecond):
	}

	f.Advance(2 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned after Advance")
	}
}

func TestFakeAdvanceOnlyFiresExpiredWaiters(t *testing.T) {
	f := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	soon := f.After(time.Second)
	later := f.After(10 * time.Second)

	f.Advance(time.Second)

	select {
	case <-soon:
	default:
		t.Fatal("waiter at the reached deadline should have fired")
	}
	select {
	case <-later:
		t.Fatal("waiter past the reached deadline should not have fired")
	default:
	}

	f.Advance(9 * time.Second)
	select {
	case <-later:
	case <-time.After(time.Second):
		t.Fatal("later waiter never fired once its deadline was reached")
	}
}

func TestRealClockSatisfiesClock(t *testing.T) {
	var c Clock = Real{}
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
