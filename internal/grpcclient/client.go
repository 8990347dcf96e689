package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/posedetector"
)

// DetectMethod is the full gRPC method name of the pose detector. The request
// is the encoded image as a BytesValue and the reply a Struct of the form
// {"faces": [{"left","top","right","bottom","yaw","pitch"}]}, with boxes in the
// pixel space of the submitted image.
const DetectMethod = "/liveness.v1.PoseDetector/Detect"

// DialPoseDetector returns a ready-to-use gRPC client for the pose detector service.
func DialPoseDetector(ctx context.Context, addr string, logger *zap.Logger) (posedetector.Detector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_pose_detector", "", err)
		logger.Error("failed to dial pose detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewPoseDetector(conn, logger), conn, nil
}

// NewPoseDetector wraps an existing connection.
func NewPoseDetector(conn grpc.ClientConnInterface, logger *zap.Logger) posedetector.Detector {
	return &grpcPoseDetector{conn: conn, logger: logger, timeout: 2 * time.Second}
}

type grpcPoseDetector struct {
	conn    grpc.ClientConnInterface
	logger  *zap.Logger
	timeout time.Duration
}

func (g *grpcPoseDetector) Detect(ctx context.Context, frame posedetector.Frame) ([]liveness.FaceObservation, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(callCtx, DetectMethod, wrapperspb.Bytes(frame.Data()), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_pose", "", fmt.Errorf("%w: %v", posedetector.ErrDetection, err))
		g.logger.Debug("pose detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return decodeFaces(resp, time.Now())
}

func decodeFaces(resp *structpb.Struct, at time.Time) ([]liveness.FaceObservation, error) {
	fields := resp.GetFields()
	list := fields["faces"].GetListValue()
	if list == nil {
		return nil, nil
	}

	faces := make([]liveness.FaceObservation, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		f := v.GetStructValue()
		if f == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", posedetector.ErrDetection, i)
		}
		num := func(key string) float64 { return f.GetFields()[key].GetNumberValue() }
		faces = append(faces, liveness.FaceObservation{
			BoundingBox: liveness.Box{
				Left:   num("left"),
				Top:    num("top"),
				Right:  num("right"),
				Bottom: num("bottom"),
			},
			YawDegrees:   num("yaw"),
			PitchDegrees: num("pitch"),
			Timestamp:    at,
		})
	}
	return faces, nil
}
