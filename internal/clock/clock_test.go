package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	mock.Advance(time.Hour)

	if got := mock.Now(); !got.Equal(mockTime.Add(time.Hour)) {
		t.Errorf("After Advance, Now() = %v", got)
	}
	if got := mock.Since(mockTime); got != time.Hour {
		t.Errorf("Since() = %v, expected 1h", got)
	}
}

func TestMockClock_AfterFiresOnlyWhenDue(t *testing.T) {
	mock := NewMockClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	short := mock.After(time.Second)
	long := mock.After(time.Minute)

	if mock.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", mock.Pending())
	}

	mock.Advance(2 * time.Second)

	select {
	case <-short:
	default:
		t.Fatal("short timer should have fired")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}

	mock.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("long timer should have fired")
	}
	if mock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", mock.Pending())
	}
}

func TestMockClock_AfterNonPositive(t *testing.T) {
	mock := NewMockClock(time.Unix(0, 0))
	select {
	case <-mock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(RealClock); !ok {
		t.Error("OrReal(nil) should return RealClock")
	}
	m := NewMockClock(time.Unix(0, 0))
	if OrReal(m) != m {
		t.Error("OrReal should keep a non-nil clock")
	}
}
