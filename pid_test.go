package viamtarsbase

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPID1(t *testing.T) {

	targetSpeed := 5.0
	currentSpeed := 0.0

	pid := newPIDState(PIDConfig{Kp: 0.08, Ki: 0.075, Kd: 0.0001, MinOutput: -1, MaxOutput: 1})

	dt := time.Millisecond * 100

	for i := 0; i < 1000; i++ {
		motorPower := pid.Control(targetSpeed, currentSpeed, dt)
		currentSpeed = motorPower * 10

		if i > 200 {
			test.That(t, currentSpeed, test.ShouldAlmostEqual, targetSpeed, .01)
		}
	}

}

func TestPIDOutputAlwaysClamped(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		cfg := PIDConfig{
			Kp:        r.Float64() * 1000,
			Ki:        r.Float64() * 1000,
			Kd:        r.Float64() * 1000,
			MinOutput: -r.Float64() * 10,
			MaxOutput: r.Float64() * 10,
		}
		pid := newPIDState(cfg)

		for i := 0; i < 200; i++ {
			target := (r.Float64() - 0.5) * 1e6
			current := (r.Float64() - 0.5) * 1e6
			dt := time.Duration(r.Int63n(int64(time.Second)))

			out := pid.Control(target, current, dt)
			test.That(t, out, test.ShouldBeGreaterThanOrEqualTo, cfg.MinOutput)
			test.That(t, out, test.ShouldBeLessThanOrEqualTo, cfg.MaxOutput)
			test.That(t, pid.integral, test.ShouldBeBetweenOrEqual, -integralLimit, integralLimit)
		}
	}
}

func TestPIDIntegralWindup(t *testing.T) {
	pid := newPIDState(PIDConfig{Kp: 0, Ki: 2, Kd: 0, MinOutput: -1000, MaxOutput: 1000})

	for i := 0; i < 100; i++ {
		pid.Control(50, 0, time.Second)
	}
	test.That(t, pid.integral, test.ShouldEqual, integralLimit)
	test.That(t, pid.integralTerm, test.ShouldEqual, 2*integralLimit)

	// unwinds from the clamp, not from the accumulated 5000
	pid.Control(0, 50, time.Second)
	test.That(t, pid.integral, test.ShouldEqual, 50.0)

	for i := 0; i < 100; i++ {
		pid.Control(-50, 0, time.Second)
	}
	test.That(t, pid.integral, test.ShouldEqual, -integralLimit)
}

func TestPIDZeroDt(t *testing.T) {
	pid := newPIDState(defaultPIDConfig())

	out := pid.Control(20, 0, 0)
	test.That(t, math.IsNaN(out), test.ShouldBeFalse)
	test.That(t, math.IsInf(out, 0), test.ShouldBeFalse)
	test.That(t, out, test.ShouldAlmostEqual, 0.05*20)
	test.That(t, pid.integral, test.ShouldEqual, 0.0)

	out = pid.Control(20, 10, 0)
	test.That(t, out, test.ShouldAlmostEqual, 0.05*10)
	test.That(t, pid.previousError, test.ShouldEqual, 10.0)
}

func TestPIDDerivative(t *testing.T) {
	pid := newPIDState(PIDConfig{Kp: 0, Ki: 0, Kd: 1, MinOutput: -100, MaxOutput: 100})

	// previous error starts at zero
	test.That(t, pid.Control(10, 0, time.Second), test.ShouldAlmostEqual, 10.0)
	test.That(t, pid.Control(10, 5, 500*time.Millisecond), test.ShouldAlmostEqual, -10.0)
}

func TestPIDNonFinite(t *testing.T) {
	pid := newPIDState(PIDConfig{Kp: math.Inf(1), Ki: 0, Kd: 0, MinOutput: -1, MaxOutput: 1})

	test.That(t, pid.Control(10, 0, time.Second), test.ShouldEqual, 1.0)
	test.That(t, pid.Control(0, 10, time.Second), test.ShouldEqual, -1.0)
	// inf * 0 is NaN
	test.That(t, pid.Control(5, 5, time.Second), test.ShouldEqual, 0.0)
}
