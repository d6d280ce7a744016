package sensors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
	"github.com/Mindburn-Labs/reflex/pkg/events"
)

var still = Sample{Accel: [3]float64{0, 0, 1}}

func motions(evs []events.Event) []string {
	out := []string{}
	for _, ev := range evs {
		out = append(out, ev.Payload.(events.IMUPayload).Motion)
	}
	return out
}

func TestIMUDetectsMotions(t *testing.T) {
	clk := clock.NewManual(start)
	pub := &capture{}
	m := NewIMUMonitor(DefaultIMUConfig(), pub, WithClock(clk))
	ctx := context.Background()

	assert.Empty(t, m.Observe(ctx, still))

	clk.Advance(time.Second)
	tilted := Sample{Roll: 60, Accel: [3]float64{0, 0, 1}}
	assert.Equal(t, []string{MotionTilt, MotionShake}, motions(m.Observe(ctx, tilted)))

	clk.Advance(time.Second)
	spun := Sample{Roll: 60, Gyro: [3]float64{200, 0, 0}, Accel: [3]float64{0, 0, 1}}
	assert.Equal(t, []string{MotionTilt, MotionSpin}, motions(m.Observe(ctx, spun)))

	clk.Advance(time.Second)
	lifted := Sample{Roll: 60, Accel: [3]float64{0, 0, 1.6}}
	assert.Contains(t, motions(m.Observe(ctx, lifted)), MotionPickup)

	require.NotEmpty(t, pub.events)
	ev := pub.events[0]
	assert.Equal(t, events.SourceIMU, ev.Source)
	assert.Equal(t, events.KindMotion, ev.Kind)
	assert.Equal(t, []string{"imu.tilt"}, ev.Triggers())
	assert.False(t, ev.RequestResponse)
	assert.Equal(t, "imu.tilt", ev.DedupeKey)
}

func TestIMURateLimitsPerKind(t *testing.T) {
	clk := clock.NewManual(start)
	m := NewIMUMonitor(DefaultIMUConfig(), nil, WithClock(clk))
	tilted := Sample{Pitch: -50, Accel: [3]float64{0, 0, 1}}

	assert.Len(t, m.Observe(context.Background(), tilted), 1)
	clk.Advance(100 * time.Millisecond)
	assert.Empty(t, m.Observe(context.Background(), tilted))
	clk.Advance(500 * time.Millisecond)
	assert.Len(t, m.Observe(context.Background(), tilted), 1)
}

func TestIMUIdleAndAlive(t *testing.T) {
	clk := clock.NewManual(start)
	m := NewIMUMonitor(DefaultIMUConfig(), nil, WithClock(clk))
	assert.True(t, m.Idle(time.Minute))
	assert.False(t, m.Alive())

	m.Observe(context.Background(), Sample{Roll: 80, Accel: [3]float64{0, 0, 1}})
	assert.True(t, m.Alive())
	assert.False(t, m.Idle(time.Minute))

	clk.Advance(time.Minute)
	assert.True(t, m.Idle(time.Minute))
	assert.False(t, m.Alive())
}
