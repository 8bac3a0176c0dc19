package viamtarsbase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/rdk/components/board"
)

// PCA9685 on-time resolution
const pwmTicks = 4096

var (
	errNotConnected    = errors.New("servo driver not connected")
	errPulseOutOfRange = errors.New("pulse out of range")
)

type Calibration struct {
	MinPulse     int
	MaxPulse     int
	NeutralPulse int
}

func (c Calibration) check(pulse int) error {
	if pulse < c.MinPulse || pulse > c.MaxPulse {
		return fmt.Errorf("%w (%d-%d): %d", errPulseOutOfRange, c.MinPulse, c.MaxPulse, pulse)
	}
	return nil
}

func (c Calibration) angleToPulse(angleDeg float64) (int, error) {
	if angleDeg < 0 || angleDeg > 180 {
		return 0, fmt.Errorf("angle out of range (0-180): %v", angleDeg)
	}
	return c.MinPulse + int(float64(c.MaxPulse-c.MinPulse)*angleDeg/180), nil
}

// Sweep is one channel's part of a gradual move.
type Sweep struct {
	Channel int
	From    int
	To      int
}

// Actuator is the servo driver shared by every gait on the robot. Callers
// serialize access; implementations do no locking around multi-step moves.
type Actuator interface {
	Connected() bool
	Calibration() Calibration
	SetPulse(ctx context.Context, channel, pulse int) error
	// MoveGradually ramps all sweeps in lockstep.
	MoveGradually(ctx context.Context, sweeps ...Sweep) error
}

type pinBoard interface {
	GPIOPinByName(name string) (board.GPIOPin, error)
}

type pwmActuator struct {
	calibration Calibration
	rampSteps   int
	rampDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) bool

	pins      map[int]board.GPIOPin
	connected bool

	pulseMutex sync.Mutex
	pulses     map[int]int

	logger golog.Logger
}

func newPWMActuator(
	ctx context.Context,
	b pinBoard,
	channels []int,
	freqHz uint,
	calibration Calibration,
	rampSteps int,
	rampDelay time.Duration,
	logger golog.Logger,
) *pwmActuator {
	a := &pwmActuator{
		calibration: calibration,
		rampSteps:   rampSteps,
		rampDelay:   rampDelay,
		sleep:       utils.SelectContextOrWait,
		pins:        map[int]board.GPIOPin{},
		pulses:      map[int]int{},
		logger:      logger,
	}

	if err := a.connect(ctx, b, channels, freqHz); err != nil {
		logger.Errorf("cannot connect to servo driver: %v", err)
		return a
	}
	a.connected = true
	logger.Infof("connected to servo driver, channels %v at %d Hz", channels, freqHz)
	return a
}

func (a *pwmActuator) connect(ctx context.Context, b pinBoard, channels []int, freqHz uint) error {
	if b == nil {
		return errors.New("no board")
	}
	for _, ch := range channels {
		pin, err := b.GPIOPinByName(strconv.Itoa(ch))
		if err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		if err := pin.SetPWMFreq(ctx, freqHz, nil); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		a.pins[ch] = pin
	}
	return nil
}

func (a *pwmActuator) Connected() bool {
	return a.connected
}

func (a *pwmActuator) Calibration() Calibration {
	return a.calibration
}

func (a *pwmActuator) SetPulse(ctx context.Context, channel, pulse int) error {
	if !a.connected {
		return errNotConnected
	}
	if err := a.calibration.check(pulse); err != nil {
		return err
	}
	pin, ok := a.pins[channel]
	if !ok {
		return fmt.Errorf("channel %d not configured", channel)
	}

	if err := pin.SetPWM(ctx, float64(pulse)/pwmTicks, nil); err != nil {
		return fmt.Errorf("error setting pulse on channel %d: %w", channel, err)
	}
	a.logger.Debugf("set channel %d to pulse %d", channel, pulse)

	a.pulseMutex.Lock()
	a.pulses[channel] = pulse
	a.pulseMutex.Unlock()
	return nil
}

func (a *pwmActuator) MoveGradually(ctx context.Context, sweeps ...Sweep) error {
	if !a.connected {
		return errNotConnected
	}
	for _, s := range sweeps {
		if err := a.calibration.check(s.From); err != nil {
			return err
		}
		if err := a.calibration.check(s.To); err != nil {
			return err
		}
	}

	ramps := make([][]float64, len(sweeps))
	for i, s := range sweeps {
		ramps[i] = floats.Span(make([]float64, a.rampSteps+1), float64(s.From), float64(s.To))
	}

	for step := 0; step <= a.rampSteps; step++ {
		for i, s := range sweeps {
			if err := a.SetPulse(ctx, s.Channel, int(math.Round(ramps[i][step]))); err != nil {
				return err
			}
		}
		if step < a.rampSteps && !a.sleep(ctx, a.rampDelay) {
			return ctx.Err()
		}
	}
	return nil
}

// LastPulse returns the last pulse successfully written to channel.
func (a *pwmActuator) LastPulse(channel int) (int, bool) {
	a.pulseMutex.Lock()
	defer a.pulseMutex.Unlock()
	p, ok := a.pulses[channel]
	return p, ok
}

func (a *pwmActuator) lastPulses() map[int]int {
	a.pulseMutex.Lock()
	defer a.pulseMutex.Unlock()
	out := make(map[int]int, len(a.pulses))
	for ch, p := range a.pulses {
		out[ch] = p
	}
	return out
}
