package viamtarsbase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

const (
	minStrideModifier = 0.8
	maxStrideModifier = 1.5
)

type direction string

const (
	directionForward  direction = "forward"
	directionBackward direction = "backward"
)

func parseDirection(s string) (direction, error) {
	switch s {
	case "forward", "fwd":
		return directionForward, nil
	case "backward", "bkwd":
		return directionBackward, nil
	default:
		return "", fmt.Errorf("not a valid direction: %q", s)
	}
}

type side int

const (
	sideRight side = iota
	sideLeft
)

func (s side) String() string {
	if s == sideLeft {
		return "left"
	}
	return "right"
}

func (s side) other() side {
	if s == sideLeft {
		return sideRight
	}
	return sideLeft
}

// even ticks lead with the right leg
func leadingSide(stepIndex int) side {
	if stepIndex%2 == 0 {
		return sideRight
	}
	return sideLeft
}

type legChannels struct {
	vertical, horizontal int
}

type gaitResult struct {
	Steps      int
	Elapsed    time.Duration
	DistanceCM float64
}

type gaitState struct {
	stepIndex      int
	distanceWalked float64
	targetDistance float64
	strideModifier float64
}

// gait owns no hardware; the actuator handle belongs to the caller.
type gait struct {
	actuator Actuator
	logger   golog.Logger

	channels ChannelConfig
	pulses   PulseConfig
	pid      PIDConfig

	strideCM              float64
	timeStep              time.Duration
	strideAdjustmentScale float64

	sleep     func(ctx context.Context, d time.Duration) bool
	now       func() time.Time
	afterTick func(state gaitState)
}

func newGait(actuator Actuator, cfg *Config, logger golog.Logger) *gait {
	g := &gait{
		actuator:              actuator,
		logger:                logger,
		channels:              cfg.channels(),
		pulses:                cfg.pulses(),
		pid:                   cfg.pid(),
		strideCM:              cfg.strideCM(),
		timeStep:              cfg.timeStep(),
		strideAdjustmentScale: cfg.strideAdjustmentScale(),
		sleep:                 utils.SelectContextOrWait,
		now:                   time.Now,
	}
	g.afterTick = func(state gaitState) {
		g.logger.Debugf("tick %d distance: %.2f/%.2f stride modifier: %.3f",
			state.stepIndex, state.distanceWalked, state.targetDistance, state.strideModifier)
	}
	return g
}

func (g *gait) leg(s side) legChannels {
	if s == sideLeft {
		return legChannels{g.channels.LeftVertical, g.channels.LeftHorizontal}
	}
	return legChannels{g.channels.RightVertical, g.channels.RightHorizontal}
}

func strideModifier(pidOutput, scale float64) float64 {
	m := clamp(1+pidOutput*scale, minStrideModifier, maxStrideModifier)
	if math.IsNaN(m) {
		return 1
	}
	return m
}

func (g *gait) stridePulse(dir direction, modifier float64) int {
	neutral := g.actuator.Calibration().NeutralPulse
	extreme := g.pulses.Forward
	if dir == directionBackward {
		extreme = g.pulses.Backward
	}
	return neutral + int(math.Round(float64(extreme-neutral)*modifier))
}

// maxTicks bounds a run at twice the ticks needed at the shortest stride,
// leaving room for refused ticks that credit no distance.
func (g *gait) maxTicks(targetCM float64) int {
	return 2*int(math.Ceil(targetCM/(g.strideCM*minStrideModifier))) + 1
}

// runToDistance walks until the estimated distance reaches targetCM, using a
// PID loop on the distance error to lengthen or shorten each stride.
func (g *gait) runToDistance(ctx context.Context, targetCM float64, dir direction) (gaitResult, error) {
	if !g.actuator.Connected() {
		g.logger.Error("not connected to servo driver, cannot run")
		return gaitResult{}, errNotConnected
	}
	if _, err := parseDirection(string(dir)); err != nil {
		return gaitResult{}, err
	}
	if targetCM <= 0 {
		g.logger.Debugf("run target %v cm, nothing to do", targetCM)
		return gaitResult{}, nil
	}

	g.logger.Infof("starting run: %.1f cm %s", targetCM, dir)
	start := g.now()
	pid := newPIDState(g.pid)
	state := gaitState{targetDistance: targetCM}
	limit := g.maxTicks(targetCM)

	for state.distanceWalked < state.targetDistance {
		if state.stepIndex >= limit {
			g.logger.Warnf("run stopped after %d ticks at %.2f of %.2f cm", state.stepIndex, state.distanceWalked, targetCM)
			break
		}

		output := pid.Control(state.targetDistance, state.distanceWalked, g.timeStep)
		state.strideModifier = strideModifier(output, g.strideAdjustmentScale)

		credited, ok := g.tick(ctx, state.stepIndex, g.stridePulse(dir, state.strideModifier))
		if !ok {
			break
		}
		if credited {
			state.distanceWalked += g.strideCM * state.strideModifier
		}
		g.afterTick(state)
		state.stepIndex++
	}

	res := gaitResult{Steps: state.stepIndex, Elapsed: g.now().Sub(start), DistanceCM: state.distanceWalked}
	if res.Steps > 0 && res.DistanceCM == 0 {
		g.logger.Warnf("run covered no distance in %d steps, check the stride pulses", res.Steps)
	}
	g.logger.Infof("run finished: %d steps, %.2f cm in %v", res.Steps, res.DistanceCM, res.Elapsed)
	return res, nil
}

// walk takes a fixed number of full-length steps with no feedback.
func (g *gait) walk(ctx context.Context, steps int, dir direction) (gaitResult, error) {
	if !g.actuator.Connected() {
		g.logger.Error("not connected to servo driver, cannot walk")
		return gaitResult{}, errNotConnected
	}
	if _, err := parseDirection(string(dir)); err != nil {
		return gaitResult{}, err
	}
	if steps <= 0 {
		return gaitResult{}, nil
	}

	g.logger.Infof("starting walk: %d steps %s", steps, dir)
	start := g.now()
	state := gaitState{strideModifier: 1, targetDistance: float64(steps) * g.strideCM}
	pulse := g.stridePulse(dir, 1)

	for state.stepIndex < steps {
		credited, ok := g.tick(ctx, state.stepIndex, pulse)
		if !ok {
			break
		}
		if credited {
			state.distanceWalked += g.strideCM
		}
		g.afterTick(state)
		state.stepIndex++
	}

	res := gaitResult{Steps: state.stepIndex, Elapsed: g.now().Sub(start), DistanceCM: state.distanceWalked}
	g.logger.Infof("walk finished: %d steps in %v", res.Steps, res.Elapsed)
	return res, nil
}

// tick runs one lift/swing/lower cycle. credited is false when the actuator
// refused a pulse; ok is false when the run must stop.
func (g *gait) tick(ctx context.Context, stepIndex, stridePulse int) (credited, ok bool) {
	err := g.stepSequence(ctx, leadingSide(stepIndex), stridePulse)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, errPulseOutOfRange):
		g.logger.Warnf("tick %d skipped: %v", stepIndex, err)
		return false, true
	case ctx.Err() != nil:
		g.logger.Infof("gait interrupted at tick %d: %v", stepIndex, ctx.Err())
		return false, false
	default:
		g.logger.Errorf("gait aborted at tick %d: %v", stepIndex, err)
		return false, false
	}
}

func (g *gait) stepSequence(ctx context.Context, lead side, stridePulse int) error {
	first, second := g.leg(lead), g.leg(lead.other())
	cal := g.actuator.Calibration()
	neutral := cal.NeutralPulse

	// refuse before any leg leaves the ground
	if err := cal.check(stridePulse); err != nil {
		return err
	}

	// lift the leading leg and swing it out
	if err := g.actuator.SetPulse(ctx, first.vertical, g.pulses.LegUp); err != nil {
		return err
	}
	if err := g.actuator.MoveGradually(ctx, Sweep{first.horizontal, neutral, stridePulse}); err != nil {
		return err
	}
	if err := g.pause(ctx); err != nil {
		return err
	}

	// plant it, lift the trailing leg, swing both
	if err := g.actuator.SetPulse(ctx, first.vertical, g.pulses.LegDown); err != nil {
		return err
	}
	if err := g.actuator.SetPulse(ctx, second.vertical, g.pulses.LegUp); err != nil {
		return err
	}
	if err := g.actuator.MoveGradually(ctx,
		Sweep{second.horizontal, neutral, stridePulse},
		Sweep{first.horizontal, stridePulse, neutral},
	); err != nil {
		return err
	}
	if err := g.pause(ctx); err != nil {
		return err
	}

	// plant the trailing leg and recenter
	if err := g.actuator.SetPulse(ctx, second.vertical, g.pulses.LegDown); err != nil {
		return err
	}
	if err := g.actuator.MoveGradually(ctx, Sweep{second.horizontal, stridePulse, neutral}); err != nil {
		return err
	}
	return g.pause(ctx)
}

func (g *gait) pause(ctx context.Context) error {
	if !g.sleep(ctx, g.timeStep) {
		return ctx.Err()
	}
	return nil
}

// neutral plants both legs and centers the horizontals.
func (g *gait) neutral(ctx context.Context) error {
	neutral := g.actuator.Calibration().NeutralPulse
	var err error
	for _, s := range []side{sideRight, sideLeft} {
		leg := g.leg(s)
		if e := g.actuator.SetPulse(ctx, leg.vertical, g.pulses.LegDown); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s leg: %w", s, e))
		}
		if e := g.actuator.SetPulse(ctx, leg.horizontal, neutral); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s leg: %w", s, e))
		}
	}
	return err
}
