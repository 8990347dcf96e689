package handlers

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	_ "golang.org/x/image/webp"

	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/posedetector"
)

// MaxUploadSize bounds a single uploaded camera frame.
const MaxUploadSize = 5 << 20

// multipart headers and boundaries on top of the image itself
const multipartOverhead = 64 << 10

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// readFrame extracts the "image" part of a multipart upload and decodes its
// pixel dimensions. On failure it returns the HTTP status to respond with.
func readFrame(c *gin.Context) (posedetector.Frame, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		}
		return nil, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}

	mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	if err != nil {
		return nil, http.StatusUnsupportedMediaType, errors.New("missing image content type")
	}
	if _, ok := allowedContentTypes[mediaType]; !ok {
		return nil, http.StatusUnsupportedMediaType, errors.New("unsupported image type")
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to decode image")
	}
	size := liveness.Size{Width: float64(cfg.Width), Height: float64(cfg.Height)}
	return posedetector.NewBytesFrame(data, size, nil), 0, nil
}
