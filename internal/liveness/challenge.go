package liveness

import (
	"fmt"
	"math"
	"strings"
)

// Direction is the head pose a challenge asks for.
type Direction string

const (
	Straight Direction = "straight"
	Left     Direction = "left"
	Right    Direction = "right"
	Up       Direction = "up"
	Down     Direction = "down"
)

// ParseDirection accepts a direction name case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Straight, Left, Right, Up, Down:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Axis selects the head rotation angle a challenge is evaluated on.
type Axis string

const (
	AxisYaw   Axis = "yaw"
	AxisPitch Axis = "pitch"
)

// Comparison is how the angle is compared with the threshold.
type Comparison string

const (
	GreaterThan Comparison = "gt"
	LessThan    Comparison = "lt"
	// Within requires both yaw and pitch magnitudes to stay below the threshold.
	Within Comparison = "within"
)

// Challenge is one pose requirement. Values are immutable once a session starts.
type Challenge struct {
	Direction        Direction  `json:"direction"`
	Axis             Axis       `json:"axis"`
	ThresholdDegrees float64    `json:"threshold_degrees"`
	Comparison       Comparison `json:"comparison"`
}

// NewChallenge builds the canonical challenge for a direction. Left is positive
// yaw and Down is positive pitch, as reported by the front camera detector.
func NewChallenge(d Direction, threshold float64) Challenge {
	switch d {
	case Left:
		return Challenge{Direction: Left, Axis: AxisYaw, ThresholdDegrees: threshold, Comparison: GreaterThan}
	case Right:
		return Challenge{Direction: Right, Axis: AxisYaw, ThresholdDegrees: -threshold, Comparison: LessThan}
	case Down:
		return Challenge{Direction: Down, Axis: AxisPitch, ThresholdDegrees: threshold, Comparison: GreaterThan}
	case Up:
		return Challenge{Direction: Up, Axis: AxisPitch, ThresholdDegrees: -threshold, Comparison: LessThan}
	default:
		return Challenge{Direction: Straight, Axis: AxisYaw, ThresholdDegrees: threshold, Comparison: Within}
	}
}

// Satisfied reports whether the head rotation meets the challenge. Comparisons are strict.
func (c Challenge) Satisfied(yaw, pitch float64) bool {
	angle := yaw
	if c.Axis == AxisPitch {
		angle = pitch
	}
	switch c.Comparison {
	case GreaterThan:
		return angle > c.ThresholdDegrees
	case LessThan:
		return angle < c.ThresholdDegrees
	case Within:
		limit := math.Abs(c.ThresholdDegrees)
		return math.Abs(yaw) < limit && math.Abs(pitch) < limit
	default:
		return false
	}
}

// Instruction is the text shown to the user for this challenge.
func (c Challenge) Instruction() string {
	switch c.Direction {
	case Left:
		return "Look Left"
	case Right:
		return "Look Right"
	case Up:
		return "Look Up"
	case Down:
		return "Look Down"
	default:
		return "Look Straight Ahead"
	}
}

func (c Challenge) String() string {
	return fmt.Sprintf("%s(%s %s %.1f)", c.Direction, c.Axis, c.Comparison, c.ThresholdDegrees)
}
