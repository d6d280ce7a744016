package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())
	assert.Equal(t, start.Add(5*time.Second), m.Advance(5*time.Second))
	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestManualTimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	tm := NewTimer(m, 10*time.Second)
	stopped := NewTimer(m, 5*time.Second)

	m.Advance(9 * time.Second)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}
	assert.False(t, stopped.Stop(), "already fired")

	m.Advance(time.Second)
	select {
	case at := <-tm.C():
		assert.Equal(t, start.Add(10*time.Second), at)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	assert.False(t, tm.Stop())

	late := NewTimer(m, time.Minute)
	assert.True(t, late.Stop())
	m.Advance(time.Hour)
	select {
	case <-late.C():
		t.Fatal("stopped timer fired")
	default:
	}

	now := NewTimer(m, 0)
	select {
	case <-now.C():
	default:
		t.Fatal("zero timer should fire immediately")
	}
}

func TestWallTimer(t *testing.T) {
	tm := NewTimer(Wall{}, time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("wall timer did not fire")
	}
}

func TestOrDefaultsToWall(t *testing.T) {
	_, ok := Or(nil).(Wall)
	assert.True(t, ok)
	m := NewManual(time.Unix(0, 0))
	assert.Same(t, m, Or(m))
}
