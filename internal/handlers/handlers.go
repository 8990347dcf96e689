package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/posedetector"
	"github.com/example/liveness-check/internal/usecase"
)

// SessionService is the use case surface exposed over HTTP.
type SessionService interface {
	StartSession(ctx context.Context, userID string, req usecase.StartRequest) (*usecase.SessionView, error)
	RestartSession(ctx context.Context, userID, sessionID string, overrides liveness.Overrides) (*usecase.SessionView, error)
	SetViewport(ctx context.Context, userID, sessionID string, preview liveness.Size) (liveness.Status, error)
	SubmitFrame(ctx context.Context, userID, sessionID string, frame posedetector.Frame) error
	SubmitObservation(ctx context.Context, userID, sessionID string, obs liveness.Observation) (liveness.Status, error)
	CancelSession(ctx context.Context, userID, sessionID string) (liveness.Status, error)
	ResetSession(ctx context.Context, userID, sessionID string) (liveness.Status, error)
	GetStatus(ctx context.Context, userID, sessionID string) (liveness.Status, error)
	Subscribe(ctx context.Context, userID, sessionID string) (<-chan liveness.Event, func(), error)
	GetResult(ctx context.Context, userID, sessionID string) (*usecase.ResultView, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type overridesRequest struct {
	TargetWidthFraction  *float64 `json:"target_width_fraction"`
	TargetHeightFraction *float64 `json:"target_height_fraction"`
	ThresholdDegrees     *float64 `json:"threshold_degrees"`
	HoldDurationMs       *int64   `json:"hold_duration_ms"`
	AffirmationDelayMs   *int64   `json:"affirmation_delay_ms"`
	SessionTimeoutMs     *int64   `json:"session_timeout_ms"`
	RandomizeOrder       *bool    `json:"randomize_order"`
	IncludeBaseline      *bool    `json:"include_baseline"`
	MaxRetries           *int     `json:"max_retries"`
	Directions           []string `json:"directions"`
}

type startRequest struct {
	overridesRequest
	PreviewWidth  float64 `json:"preview_width"`
	PreviewHeight float64 `json:"preview_height"`
}

type viewportRequest struct {
	Width  float64 `json:"width" binding:"required"`
	Height float64 `json:"height" binding:"required"`
}

type faceRequest struct {
	Left         float64 `json:"left"`
	Top          float64 `json:"top"`
	Right        float64 `json:"right"`
	Bottom       float64 `json:"bottom"`
	YawDegrees   float64 `json:"yaw"`
	PitchDegrees float64 `json:"pitch"`
	CapturedAtMs int64   `json:"captured_at_ms"`
}

type observationRequest struct {
	FrameWidth  float64      `json:"frame_width" binding:"required"`
	FrameHeight float64      `json:"frame_height" binding:"required"`
	Face        *faceRequest `json:"face"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc SessionService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)

	v1.POST("/sessions", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req startRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		overrides, err := req.overridesRequest.toOverrides()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		view, err := svc.StartSession(c.Request.Context(), userID, usecase.StartRequest{
			Overrides: overrides,
			Preview:   liveness.Size{Width: req.PreviewWidth, Height: req.PreviewHeight},
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, view)
	})

	sessions := v1.Group("/sessions/:id")

	sessions.POST("/restart", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req overridesRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		overrides, err := req.toOverrides()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		view, err := svc.RestartSession(c.Request.Context(), userID, c.Param("id"), overrides)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	sessions.PUT("/viewport", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req viewportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "width and height are required"})
			return
		}
		status, err := svc.SetViewport(c.Request.Context(), userID, c.Param("id"), liveness.Size{Width: req.Width, Height: req.Height})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/frames", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		frame, status, err := readFrame(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SubmitFrame(c.Request.Context(), userID, c.Param("id"), frame); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	sessions.POST("/observations", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req observationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame_width and frame_height are required"})
			return
		}
		status, err := svc.SubmitObservation(c.Request.Context(), userID, c.Param("id"), req.toObservation())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/cancel", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		status, err := svc.CancelSession(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/reset", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		status, err := svc.ResetSession(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.GET("", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		status, err := svc.GetStatus(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.GET("/events", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		streamEvents(c, svc, userID, c.Param("id"))
	})

	v1.GET("/results/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		result, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	v1.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, usecase.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrDetectorUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, liveness.ErrInvalidCommand):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, liveness.ErrInvalidGeometry), errors.Is(err, liveness.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (r overridesRequest) toOverrides() (liveness.Overrides, error) {
	o := liveness.Overrides{
		TargetWidthFraction:  r.TargetWidthFraction,
		TargetHeightFraction: r.TargetHeightFraction,
		ThresholdDegrees:     r.ThresholdDegrees,
		HoldDuration:         millis(r.HoldDurationMs),
		AffirmationDelay:     millis(r.AffirmationDelayMs),
		SessionTimeout:       millis(r.SessionTimeoutMs),
		RandomizeOrder:       r.RandomizeOrder,
		IncludeBaseline:      r.IncludeBaseline,
		MaxRetries:           r.MaxRetries,
	}
	for _, raw := range r.Directions {
		d, err := liveness.ParseDirection(raw)
		if err != nil {
			return liveness.Overrides{}, err
		}
		o.Directions = append(o.Directions, d)
	}
	return o, nil
}

func millis(v *int64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Millisecond
	return &d
}

func (r observationRequest) toObservation() liveness.Observation {
	obs := liveness.Observation{Frame: liveness.Size{Width: r.FrameWidth, Height: r.FrameHeight}}
	if r.Face != nil {
		obs.Face = &liveness.FaceObservation{
			BoundingBox:  liveness.Box{Left: r.Face.Left, Top: r.Face.Top, Right: r.Face.Right, Bottom: r.Face.Bottom},
			YawDegrees:   r.Face.YawDegrees,
			PitchDegrees: r.Face.PitchDegrees,
		}
		if r.Face.CapturedAtMs > 0 {
			obs.Face.Timestamp = time.UnixMilli(r.Face.CapturedAtMs)
		}
	}
	return obs
}
