package viamtarsbase

import (
	"math"
	"time"
)

// the raw accumulator is clamped, not the ki-scaled term
const integralLimit = 100.0

type pidState struct {
	// config
	proportionalGain float64
	integralGain     float64
	derivativeGain   float64

	minOutput, maxOutput float64

	// state
	integral      float64
	integralTerm  float64
	previousError float64
}

func newPIDState(cfg PIDConfig) *pidState {
	return &pidState{
		proportionalGain: cfg.Kp,
		integralGain:     cfg.Ki,
		derivativeGain:   cfg.Kd,
		minOutput:        cfg.MinOutput,
		maxOutput:        cfg.MaxOutput,
	}
}

func (pid *pidState) Control(target, current float64, timeSinceLastCall time.Duration) float64 {
	dt := timeSinceLastCall.Seconds()

	error := target - current

	p := pid.proportionalGain * error

	pid.integral = clamp(pid.integral+error*dt, -integralLimit, integralLimit)
	if math.IsNaN(pid.integral) {
		pid.integral = 0
	}
	pid.integralTerm = pid.integralGain * pid.integral

	d := 0.0
	if dt > 0 {
		d = pid.derivativeGain * (error - pid.previousError) / dt
	}
	pid.previousError = error

	n := p + pid.integralTerm + d
	if math.IsNaN(n) {
		n = 0
	}

	return clamp(n, pid.minOutput, pid.maxOutput)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
