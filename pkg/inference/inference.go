// Package inference sends captured frames to a remote captioning service.
//
// The service contract is a single JSON call:
//
//	POST /predict
//	{"image": "<data URI or snapshot URL>", "camera_type": "local" | "ip"}
//	-> 200 {"caption": "..."}
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithBaseURL("http://localhost:5001"),
//	    inference.WithTimeout(5*time.Second),
//	)
//
//	res, err := client.Predict(ctx, frame)
//	if errors.Is(err, inference.ErrInferenceFailure) {
//	    // keep showing the previous caption
//	}
package inference

import (
	"context"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
)

// Predictor turns one frame into a caption.
// Implementations must not retain the frame after returning.
type Predictor interface {
	Predict(ctx context.Context, frame camera.Frame) (*Result, error)
}

// Result is a successful prediction.
type Result struct {
	// Caption is the text produced for the frame.
	Caption string

	// Latency is the round-trip time of the call.
	Latency time.Duration
}

// PredictRequest is the JSON body sent to the service.
type PredictRequest struct {
	Image      string `json:"image"`
	CameraType string `json:"camera_type"`
}

// PredictResponse is the JSON body returned by the service.
// Error is set on failure responses.
type PredictResponse struct {
	Caption string `json:"caption"`
	Error   string `json:"error,omitempty"`
}

// NewPredictRequest validates a frame and builds its request body.
func NewPredictRequest(frame camera.Frame) (*PredictRequest, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	kind := frame.Source.Kind()
	if kind != camera.KindLocal && kind != camera.KindRemote {
		return nil, ErrUnknownCameraType
	}

	return &PredictRequest{
		Image:      frame.Payload(),
		CameraType: kind.String(),
	}, nil
}
