package viamtarsbase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
)

var Model = resource.ModelNamespace("erh").WithFamily("base").WithModel("tars")

var errUnsupported = errors.New("not supported by the tars leg gait")

func init() {
	tarsComp := resource.Registration[base.Base, *Config]{
		Constructor: func(
			ctx context.Context, deps resource.Dependencies, conf resource.Config, logger golog.Logger,
		) (base.Base, error) {
			return createTars(ctx, deps, conf, logger)
		},
	}
	resource.RegisterComponent(base.API, Model, tarsComp)
}

func createTars(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger golog.Logger) (base.LocalBase, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, newConf.Board)
	if err != nil {
		return nil, err
	}

	ch := newConf.channels()
	p := newConf.pulses()
	act := newPWMActuator(
		ctx,
		b,
		[]int{ch.LeftVertical, ch.LeftHorizontal, ch.RightVertical, ch.RightHorizontal},
		newConf.pwmFrequencyHz(),
		Calibration{MinPulse: p.Min, MaxPulse: p.Max, NeutralPulse: p.Neutral},
		newConf.rampSteps(),
		newConf.rampDelay(),
		logger,
	)

	return newTars(conf.ResourceName(), newConf, act, logger), nil
}

func newTars(name resource.Name, cfg *Config, act Actuator, logger golog.Logger) *tars {
	return &tars{
		Named:    name.AsNamed(),
		cfg:      cfg,
		actuator: act,
		gait:     newGait(act, cfg, logger),
		logger:   logger,
	}
}

type tars struct {
	resource.Named
	resource.AlwaysRebuild

	cfg      *Config
	actuator Actuator
	gait     *gait

	// one gait at a time on the shared actuator
	opMgr operation.SingleOperationManager
	// held while servos move; a cancelled gait releases it once it winds down
	motionMu sync.Mutex
	// a gait was cut off mid-tick
	unsettled bool

	logger golog.Logger
}

func (t *tars) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	dir := directionForward
	if distanceMm < 0 {
		dir = directionBackward
	}
	t.logger.Debugf("MoveStraight %d mm (speed %v ignored)", distanceMm, mmPerSec)

	_, err := t.runToDistance(ctx, math.Abs(float64(distanceMm))/10, dir)
	return err
}

func (t *tars) runToDistance(ctx context.Context, distanceCM float64, dir direction) (gaitResult, error) {
	return t.gaitOp(ctx, func(ctx context.Context) (gaitResult, error) {
		return t.gait.runToDistance(ctx, distanceCM, dir)
	})
}

func (t *tars) walk(ctx context.Context, steps int, dir direction) (gaitResult, error) {
	return t.gaitOp(ctx, func(ctx context.Context) (gaitResult, error) {
		return t.gait.walk(ctx, steps, dir)
	})
}

// gaitOp replaces any running gait with fn. Legs left mid-air by an
// interrupted gait are planted before fn moves anything.
func (t *tars) gaitOp(ctx context.Context, fn func(context.Context) (gaitResult, error)) (gaitResult, error) {
	ctx, done := t.opMgr.New(ctx)
	defer done()
	t.motionMu.Lock()
	defer t.motionMu.Unlock()

	if t.unsettled && t.actuator.Connected() {
		t.logger.Debug("planting legs left up by an interrupted gait")
		if err := t.gait.neutral(ctx); err != nil {
			return gaitResult{}, err
		}
		t.unsettled = false
	}

	res, err := fn(ctx)
	if ctx.Err() != nil {
		t.unsettled = true
	}
	return res, err
}

func (t *tars) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	return errUnsupported
}

func (t *tars) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	return errUnsupported
}

func (t *tars) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	return errUnsupported
}

func (t *tars) Stop(ctx context.Context, extra map[string]interface{}) error {
	t.opMgr.CancelRunning(ctx)
	t.motionMu.Lock()
	defer t.motionMu.Unlock()
	if !t.actuator.Connected() {
		return nil
	}
	if err := t.gait.neutral(ctx); err != nil {
		return err
	}
	t.unsettled = false
	return nil
}

func (t *tars) Width(ctx context.Context) (int, error) {
	return int(t.cfg.widthMM()), nil
}

func (t *tars) IsMoving(ctx context.Context) (bool, error) {
	return t.opMgr.OpRunning(), nil
}

func (t *tars) Close(ctx context.Context) error {
	return t.Stop(ctx, nil)
}

func (t *tars) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	switch name {
	case "walk":
		steps, err := intArg(cmd, "steps", math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		dir, err := directionArg(cmd)
		if err != nil {
			return nil, err
		}
		res, err := t.walk(ctx, steps, dir)
		if err != nil {
			return nil, err
		}
		return res.toMap(), nil

	case "run":
		distance, err := numberArg(cmd, "distance_cm")
		if err != nil {
			return nil, err
		}
		dir, err := directionArg(cmd)
		if err != nil {
			return nil, err
		}
		res, err := t.runToDistance(ctx, distance, dir)
		if err != nil {
			return nil, err
		}
		return res.toMap(), nil

	case "set_pulse":
		channel, err := intArg(cmd, "channel", 0, maxPCA9685Channel)
		if err != nil {
			return nil, err
		}
		pulse, err := intArg(cmd, "pulse", math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return nil, t.setPulse(ctx, channel, pulse)

	case "set_angle":
		channel, err := intArg(cmd, "channel", 0, maxPCA9685Channel)
		if err != nil {
			return nil, err
		}
		angle, err := numberArg(cmd, "angle")
		if err != nil {
			return nil, err
		}
		pulse, err := t.actuator.Calibration().angleToPulse(angle)
		if err != nil {
			return nil, err
		}
		if err := t.setPulse(ctx, channel, pulse); err != nil {
			return nil, err
		}
		return map[string]interface{}{"pulse": pulse}, nil

	case "neutral":
		return nil, t.Stop(ctx, nil)

	case "status":
		return t.status(), nil

	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func (t *tars) setPulse(ctx context.Context, channel, pulse int) error {
	ctx, done := t.opMgr.New(ctx)
	defer done()
	t.motionMu.Lock()
	defer t.motionMu.Unlock()
	return t.actuator.SetPulse(ctx, channel, pulse)
}

func (t *tars) status() map[string]interface{} {
	cal := t.actuator.Calibration()
	res := map[string]interface{}{
		"connected": t.actuator.Connected(),
		"min_pulse": cal.MinPulse,
		"max_pulse": cal.MaxPulse,
		"neutral":   cal.NeutralPulse,
	}
	if pa, ok := t.actuator.(interface{ lastPulses() map[int]int }); ok {
		pulses := map[string]interface{}{}
		for ch, p := range pa.lastPulses() {
			pulses[fmt.Sprint(ch)] = p
		}
		res["pulses"] = pulses
	}
	return res
}

func (r gaitResult) toMap() map[string]interface{} {
	return map[string]interface{}{
		"steps_taken":     r.Steps,
		"elapsed_seconds": r.Elapsed.Seconds(),
		"distance_cm":     r.DistanceCM,
	}
}

func numberArg(cmd map[string]interface{}, key string) (float64, error) {
	var f float64
	switch v := cmd[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case nil:
		return 0, fmt.Errorf("missing %q", key)
	default:
		return 0, fmt.Errorf("%q must be a number, got %T", key, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q must be finite, got %v", key, f)
	}
	return f, nil
}

// intArg reads a whole number in [lo, hi].
func intArg(cmd map[string]interface{}, key string, lo, hi int) (int, error) {
	f, err := numberArg(cmd, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q must be a whole number, got %v", key, f)
	}
	if f < float64(lo) || f > float64(hi) {
		return 0, fmt.Errorf("%q (%v) must be between %d and %d", key, f, lo, hi)
	}
	return int(f), nil
}

func directionArg(cmd map[string]interface{}) (direction, error) {
	s, ok := cmd["direction"].(string)
	if !ok {
		return directionForward, nil
	}
	return parseDirection(s)
}
