package viamtarsbase

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

const maxPCA9685Channel = 15

// ChannelConfig maps the four leg servos onto PCA9685 channels.
type ChannelConfig struct {
	LeftVertical    int
	LeftHorizontal  int
	RightVertical   int
	RightHorizontal int
}

// PulseConfig holds servo pulse widths in 12-bit PCA9685 ticks.
type PulseConfig struct {
	Min     int
	Max     int
	Neutral int

	LegUp   int
	LegDown int

	// horizontal extremes reached at a stride modifier of 1
	Forward  int
	Backward int
}

type PIDConfig struct {
	Kp        float64
	Ki        float64
	Kd        float64
	MinOutput float64
	MaxOutput float64
}

// Attribute overrides; unset fields keep their defaults.

type ChannelAttributes struct {
	LeftVertical    *int `json:"left_vertical,omitempty"`
	LeftHorizontal  *int `json:"left_horizontal,omitempty"`
	RightVertical   *int `json:"right_vertical,omitempty"`
	RightHorizontal *int `json:"right_horizontal,omitempty"`
}

type PulseAttributes struct {
	Min      *int `json:"min,omitempty"`
	Max      *int `json:"max,omitempty"`
	Neutral  *int `json:"neutral,omitempty"`
	LegUp    *int `json:"leg_up,omitempty"`
	LegDown  *int `json:"leg_down,omitempty"`
	Forward  *int `json:"forward,omitempty"`
	Backward *int `json:"backward,omitempty"`
}

type PIDAttributes struct {
	Kp        *float64 `json:"kp,omitempty"`
	Ki        *float64 `json:"ki,omitempty"`
	Kd        *float64 `json:"kd,omitempty"`
	MinOutput *float64 `json:"min_output,omitempty"`
	MaxOutput *float64 `json:"max_output,omitempty"`
}

type Config struct {
	Board   string  `json:"board"`
	WidthMM float64 `json:"width_mm,omitempty"`

	PWMFrequencyHz uint `json:"pwm_frequency_hz,omitempty"`

	Channels *ChannelAttributes `json:"channels,omitempty"`
	Pulses   *PulseAttributes   `json:"pulses,omitempty"`
	PID      *PIDAttributes     `json:"pid,omitempty"`

	StrideCM              float64 `json:"stride_cm,omitempty"`
	TimeStepSec           float64 `json:"time_step_sec,omitempty"`
	StrideAdjustmentScale float64 `json:"stride_adjustment_scale,omitempty"`

	RampSteps   int `json:"ramp_steps,omitempty"`
	RampDelayMs int `json:"ramp_delay_ms,omitempty"`
}

func defaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		LeftVertical:    0,
		LeftHorizontal:  1,
		RightVertical:   2,
		RightHorizontal: 3,
	}
}

func defaultPulseConfig() PulseConfig {
	return PulseConfig{
		Min:      0,
		Max:      600,
		Neutral:  300,
		LegUp:    200,
		LegDown:  300,
		Forward:  450,
		Backward: 150,
	}
}

func defaultPIDConfig() PIDConfig {
	return PIDConfig{
		Kp:        0.05,
		Ki:        0.0001,
		Kd:        0.002,
		MinOutput: -125,
		MaxOutput: 125,
	}
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

func (cfg *Config) channels() ChannelConfig {
	c := defaultChannelConfig()
	if a := cfg.Channels; a != nil {
		c.LeftVertical = valueOr(a.LeftVertical, c.LeftVertical)
		c.LeftHorizontal = valueOr(a.LeftHorizontal, c.LeftHorizontal)
		c.RightVertical = valueOr(a.RightVertical, c.RightVertical)
		c.RightHorizontal = valueOr(a.RightHorizontal, c.RightHorizontal)
	}
	return c
}

func (cfg *Config) pulses() PulseConfig {
	p := defaultPulseConfig()
	if a := cfg.Pulses; a != nil {
		p.Min = valueOr(a.Min, p.Min)
		p.Max = valueOr(a.Max, p.Max)
		p.Neutral = valueOr(a.Neutral, p.Neutral)
		p.LegUp = valueOr(a.LegUp, p.LegUp)
		p.LegDown = valueOr(a.LegDown, p.LegDown)
		p.Forward = valueOr(a.Forward, p.Forward)
		p.Backward = valueOr(a.Backward, p.Backward)
	}
	return p
}

func (cfg *Config) pid() PIDConfig {
	p := defaultPIDConfig()
	if a := cfg.PID; a != nil {
		p.Kp = valueOr(a.Kp, p.Kp)
		p.Ki = valueOr(a.Ki, p.Ki)
		p.Kd = valueOr(a.Kd, p.Kd)
		p.MinOutput = valueOr(a.MinOutput, p.MinOutput)
		p.MaxOutput = valueOr(a.MaxOutput, p.MaxOutput)
	}
	return p
}

func (cfg *Config) widthMM() float64 {
	if cfg.WidthMM <= 0 {
		return 200
	}
	return cfg.WidthMM
}

func (cfg *Config) pwmFrequencyHz() uint {
	if cfg.PWMFrequencyHz == 0 {
		return 60
	}
	return cfg.PWMFrequencyHz
}

func (cfg *Config) strideCM() float64 {
	if cfg.StrideCM == 0 {
		return 4.5
	}
	return cfg.StrideCM
}

func (cfg *Config) timeStep() time.Duration {
	if cfg.TimeStepSec == 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(cfg.TimeStepSec * float64(time.Second))
}

func (cfg *Config) strideAdjustmentScale() float64 {
	if cfg.StrideAdjustmentScale == 0 {
		return 0.1
	}
	return cfg.StrideAdjustmentScale
}

func (cfg *Config) rampSteps() int {
	if cfg.RampSteps <= 0 {
		return 20
	}
	return cfg.RampSteps
}

func (cfg *Config) rampDelay() time.Duration {
	if cfg.RampDelayMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(cfg.RampDelayMs) * time.Millisecond
}

// Validate checks the attributes and returns the board as an implicit dependency.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Board == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "board")
	}

	var err error
	if cfg.StrideCM < 0 {
		err = multierr.Append(err, errors.New("stride_cm cannot be negative"))
	}
	if cfg.TimeStepSec < 0 {
		err = multierr.Append(err, errors.New("time_step_sec cannot be negative"))
	}
	if cfg.StrideAdjustmentScale < 0 {
		err = multierr.Append(err, errors.New("stride_adjustment_scale cannot be negative"))
	}

	err = multierr.Append(err, cfg.channels().validate())
	err = multierr.Append(err, cfg.pulses().validate())

	pid := cfg.pid()
	if pid.MinOutput >= pid.MaxOutput {
		err = multierr.Append(err, fmt.Errorf("pid min_output (%v) must be less than max_output (%v)", pid.MinOutput, pid.MaxOutput))
	}

	if err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}
	return []string{cfg.Board}, nil
}

func (c ChannelConfig) validate() error {
	var err error
	seen := map[int]string{}
	for _, ch := range []struct {
		name    string
		channel int
	}{
		{"left_vertical", c.LeftVertical},
		{"left_horizontal", c.LeftHorizontal},
		{"right_vertical", c.RightVertical},
		{"right_horizontal", c.RightHorizontal},
	} {
		if ch.channel < 0 || ch.channel > maxPCA9685Channel {
			err = multierr.Append(err, fmt.Errorf("channel %s (%d) must be between 0 and %d", ch.name, ch.channel, maxPCA9685Channel))
			continue
		}
		if other, ok := seen[ch.channel]; ok {
			err = multierr.Append(err, fmt.Errorf("channels %s and %s both use %d", other, ch.name, ch.channel))
			continue
		}
		seen[ch.channel] = ch.name
	}
	return err
}

func (p PulseConfig) validate() error {
	if !(p.Min < p.Neutral && p.Neutral < p.Max) {
		return fmt.Errorf("pulses must satisfy min (%d) < neutral (%d) < max (%d)", p.Min, p.Neutral, p.Max)
	}
	var err error
	for _, v := range []struct {
		name  string
		pulse int
	}{
		{"leg_up", p.LegUp},
		{"leg_down", p.LegDown},
		{"forward", p.Forward},
		{"backward", p.Backward},
	} {
		if v.pulse < p.Min || v.pulse > p.Max {
			err = multierr.Append(err, fmt.Errorf("pulse %s (%d) outside [%d, %d]", v.name, v.pulse, p.Min, p.Max))
		}
	}
	if err != nil {
		return err
	}

	// the longest stride must stay reachable
	for _, v := range []struct {
		name  string
		pulse int
	}{
		{"forward", p.Forward},
		{"backward", p.Backward},
	} {
		reach := p.Neutral + int(math.Round(float64(v.pulse-p.Neutral)*maxStrideModifier))
		if reach < p.Min || reach > p.Max {
			err = multierr.Append(err, fmt.Errorf(
				"pulse %s (%d) reaches %d at stride modifier %v, outside [%d, %d]",
				v.name, v.pulse, reach, maxStrideModifier, p.Min, p.Max))
		}
	}
	return err
}
