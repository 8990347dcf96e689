package posedetector

import (
	"context"
	"errors"

	"github.com/example/liveness-check/internal/liveness"
)

// ErrDetection marks a failure of the pose detector for a single frame.
var ErrDetection = errors.New("pose detection failed")

// Frame is a camera frame handle. Close releases it and must be called exactly once.
type Frame interface {
	Data() []byte
	Size() liveness.Size
	Close() error
}

// Detector finds faces and head rotation in a frame.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]liveness.FaceObservation, error)
}

// BytesFrame is an encoded image held in memory.
type BytesFrame struct {
	data    []byte
	size    liveness.Size
	release func()
}

// NewBytesFrame wraps encoded image bytes of the given pixel size. release, if
// non-nil, runs when the frame is closed.
func NewBytesFrame(data []byte, size liveness.Size, release func()) *BytesFrame {
	return &BytesFrame{data: data, size: size, release: release}
}

// Data returns the encoded image.
func (f *BytesFrame) Data() []byte { return f.data }

// Size returns the frame dimensions in detector pixel space.
func (f *BytesFrame) Size() liveness.Size { return f.size }

// Close drops the image buffer.
func (f *BytesFrame) Close() error {
	f.data = nil
	if f.release != nil {
		f.release()
		f.release = nil
	}
	return nil
}
