package liveness

import "time"

// FaceObservation is one detector result for one frame, in detector pixel space.
// Timestamp is when the frame was captured; zero when unknown.
type FaceObservation struct {
	BoundingBox  Box       `json:"bounding_box"`
	YawDegrees   float64   `json:"yaw_degrees"`
	PitchDegrees float64   `json:"pitch_degrees"`
	Timestamp    time.Time `json:"timestamp"`
}

// Observation is the per-frame input of the state machine. A nil Face means no
// face was detected (or detection failed) for the frame.
type Observation struct {
	Face  *FaceObservation
	Frame Size
	At    time.Time
}
