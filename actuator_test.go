package viamtarsbase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/testutils/inject"
)

type fakePin struct {
	freq   uint
	duties []float64
}

type fakeBoard struct {
	pins map[string]*fakePin
}

func newFakeBoard(names ...string) *fakeBoard {
	b := &fakeBoard{pins: map[string]*fakePin{}}
	for _, n := range names {
		b.pins[n] = &fakePin{}
	}
	return b
}

func (b *fakeBoard) GPIOPinByName(name string) (board.GPIOPin, error) {
	p, ok := b.pins[name]
	if !ok {
		return nil, errors.New("no pin " + name)
	}
	pin := &inject.GPIOPin{}
	pin.SetPWMFreqFunc = func(ctx context.Context, freqHz uint, extra map[string]interface{}) error {
		p.freq = freqHz
		return nil
	}
	pin.SetPWMFunc = func(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error {
		p.duties = append(p.duties, dutyCyclePct)
		return nil
	}
	return pin, nil
}

func newTestActuator(t *testing.T, b pinBoard, rampSteps int) *pwmActuator {
	p := defaultPulseConfig()
	return newPWMActuator(
		context.Background(),
		b,
		[]int{0, 1, 2, 3},
		60,
		Calibration{MinPulse: p.Min, MaxPulse: p.Max, NeutralPulse: p.Neutral},
		rampSteps,
		time.Millisecond,
		golog.NewTestLogger(t),
	)
}

func TestPWMActuatorConnect(t *testing.T) {
	b := newFakeBoard("0", "1", "2", "3")
	a := newTestActuator(t, b, 4)
	test.That(t, a.Connected(), test.ShouldBeTrue)
	for _, p := range b.pins {
		test.That(t, p.freq, test.ShouldEqual, uint(60))
	}

	a = newTestActuator(t, newFakeBoard("0", "1", "2"), 4)
	test.That(t, a.Connected(), test.ShouldBeFalse)
	err := a.SetPulse(context.Background(), 0, 300)
	test.That(t, err, test.ShouldEqual, errNotConnected)
	err = a.MoveGradually(context.Background(), Sweep{Channel: 0, From: 300, To: 400})
	test.That(t, err, test.ShouldEqual, errNotConnected)

	a = newTestActuator(t, nil, 4)
	test.That(t, a.Connected(), test.ShouldBeFalse)
}

func TestPWMActuatorSetPulse(t *testing.T) {
	b := newFakeBoard("0", "1", "2", "3")
	a := newTestActuator(t, b, 4)

	test.That(t, a.SetPulse(context.Background(), 1, 512), test.ShouldBeNil)
	test.That(t, b.pins["1"].duties, test.ShouldResemble, []float64{0.125})
	p, ok := a.LastPulse(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p, test.ShouldEqual, 512)

	err := a.SetPulse(context.Background(), 1, 1000)
	test.That(t, errors.Is(err, errPulseOutOfRange), test.ShouldBeTrue)
	p, _ = a.LastPulse(1)
	test.That(t, p, test.ShouldEqual, 512)
	test.That(t, len(b.pins["1"].duties), test.ShouldEqual, 1)

	err = a.SetPulse(context.Background(), 1, -1)
	test.That(t, errors.Is(err, errPulseOutOfRange), test.ShouldBeTrue)

	err = a.SetPulse(context.Background(), 9, 300)
	test.That(t, err, test.ShouldNotBeNil)
	_, ok = a.LastPulse(9)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, a.lastPulses(), test.ShouldResemble, map[int]int{1: 512})
}

func TestPWMActuatorMoveGradually(t *testing.T) {
	b := newFakeBoard("0", "1", "2", "3")
	a := newTestActuator(t, b, 4)
	sleeps := 0
	a.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps++
		return true
	}

	err := a.MoveGradually(context.Background(),
		Sweep{Channel: 1, From: 300, To: 400},
		Sweep{Channel: 3, From: 400, To: 300},
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sleeps, test.ShouldEqual, 4)

	toPulses := func(duties []float64) []int {
		out := make([]int, len(duties))
		for i, d := range duties {
			out[i] = int(d*pwmTicks + 0.5)
		}
		return out
	}
	test.That(t, toPulses(b.pins["1"].duties), test.ShouldResemble, []int{300, 325, 350, 375, 400})
	test.That(t, toPulses(b.pins["3"].duties), test.ShouldResemble, []int{400, 375, 350, 325, 300})

	p, _ := a.LastPulse(1)
	test.That(t, p, test.ShouldEqual, 400)

	// endpoints are checked before anything moves
	err = a.MoveGradually(context.Background(),
		Sweep{Channel: 0, From: 300, To: 500},
		Sweep{Channel: 2, From: 300, To: 700},
	)
	test.That(t, errors.Is(err, errPulseOutOfRange), test.ShouldBeTrue)
	test.That(t, b.pins["0"].duties, test.ShouldBeEmpty)
	test.That(t, b.pins["2"].duties, test.ShouldBeEmpty)
}

func TestPWMActuatorMoveGraduallyCancelled(t *testing.T) {
	b := newFakeBoard("0", "1", "2", "3")
	a := newTestActuator(t, b, 4)
	a.sleep = func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.MoveGradually(ctx, Sweep{Channel: 1, From: 300, To: 400})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, len(b.pins["1"].duties), test.ShouldEqual, 1)
}

func TestAngleToPulse(t *testing.T) {
	c := Calibration{MinPulse: 0, MaxPulse: 600, NeutralPulse: 300}

	for angle, exp := range map[float64]int{0: 0, 90: 300, 180: 600, 45: 150} {
		p, err := c.angleToPulse(angle)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p, test.ShouldEqual, exp)
	}

	_, err := c.angleToPulse(181)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = c.angleToPulse(-1)
	test.That(t, err, test.ShouldNotBeNil)
}
