package liveness

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config tunes one verification session.
type Config struct {
	TargetWidthFraction  float64       `yaml:"target_width_fraction" json:"target_width_fraction" validate:"gt=0,lte=1"`
	TargetHeightFraction float64       `yaml:"target_height_fraction" json:"target_height_fraction" validate:"gt=0,lte=1"`
	ThresholdDegrees     float64       `yaml:"threshold_degrees" json:"threshold_degrees" validate:"gt=0,lt=90"`
	HoldDuration         time.Duration `yaml:"hold_duration" json:"hold_duration" validate:"gte=0"`
	AffirmationDelay     time.Duration `yaml:"affirmation_delay" json:"affirmation_delay" validate:"gte=0"`
	// SessionTimeout of zero disables the overall deadline.
	SessionTimeout  time.Duration `yaml:"session_timeout" json:"session_timeout" validate:"gte=0"`
	RandomizeOrder  bool          `yaml:"randomize_order" json:"randomize_order"`
	IncludeBaseline bool          `yaml:"include_baseline" json:"include_baseline"`
	// MaxRetries of zero means a dropped hold is retried forever.
	MaxRetries int         `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	Directions []Direction `yaml:"directions" json:"directions" validate:"min=1,dive,oneof=left right up down"`
}

// DefaultConfig mirrors the stock look-left, look-right, look-down flow.
func DefaultConfig() Config {
	return Config{
		TargetWidthFraction:  0.55,
		TargetHeightFraction: 0.40,
		ThresholdDegrees:     20,
		HoldDuration:         800 * time.Millisecond,
		SessionTimeout:       60 * time.Second,
		Directions:           []Direction{Left, Right, Down},
	}
}

var validate = validator.New()

// Validate checks ranges of every field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Overrides carries optional per-session changes to a Config. Nil fields keep the base value.
type Overrides struct {
	TargetWidthFraction  *float64       `json:"target_width_fraction,omitempty"`
	TargetHeightFraction *float64       `json:"target_height_fraction,omitempty"`
	ThresholdDegrees     *float64       `json:"threshold_degrees,omitempty"`
	HoldDuration         *time.Duration `json:"hold_duration,omitempty"`
	AffirmationDelay     *time.Duration `json:"affirmation_delay,omitempty"`
	SessionTimeout       *time.Duration `json:"session_timeout,omitempty"`
	RandomizeOrder       *bool          `json:"randomize_order,omitempty"`
	IncludeBaseline      *bool          `json:"include_baseline,omitempty"`
	MaxRetries           *int           `json:"max_retries,omitempty"`
	Directions           []Direction    `json:"directions,omitempty"`
}

// Apply returns a copy of c with the overrides applied.
func (c Config) Apply(o Overrides) Config {
	out := c
	out.Directions = append([]Direction(nil), c.Directions...)
	if o.TargetWidthFraction != nil {
		out.TargetWidthFraction = *o.TargetWidthFraction
	}
	if o.TargetHeightFraction != nil {
		out.TargetHeightFraction = *o.TargetHeightFraction
	}
	if o.ThresholdDegrees != nil {
		out.ThresholdDegrees = *o.ThresholdDegrees
	}
	if o.HoldDuration != nil {
		out.HoldDuration = *o.HoldDuration
	}
	if o.AffirmationDelay != nil {
		out.AffirmationDelay = *o.AffirmationDelay
	}
	if o.SessionTimeout != nil {
		out.SessionTimeout = *o.SessionTimeout
	}
	if o.RandomizeOrder != nil {
		out.RandomizeOrder = *o.RandomizeOrder
	}
	if o.IncludeBaseline != nil {
		out.IncludeBaseline = *o.IncludeBaseline
	}
	if o.MaxRetries != nil {
		out.MaxRetries = *o.MaxRetries
	}
	if len(o.Directions) > 0 {
		out.Directions = append([]Direction(nil), o.Directions...)
	}
	return out
}
