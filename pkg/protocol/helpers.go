package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
)

// NewFrameMessage creates a frame message from a captured frame
func NewFrameMessage(frame camera.Frame) (*Message, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("frame is empty")
	}
	return NewMessage(TypeFrame, FrameData{
		Image:      frame.Payload(),
		CameraType: frame.Source.Kind().String(),
	})
}

// NewCaptionMessage creates a caption broadcast
func NewCaptionMessage(caption string) (*Message, error) {
	return NewMessage(TypeCaption, CaptionData{Caption: caption})
}

// NewPongMessage creates a pong response
func NewPongMessage(pingTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		PingTS: pingTS,
		PongTS: time.Now().UnixMilli(),
	})
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	if m.Type != TypeFrame {
		return nil, fmt.Errorf("expected frame message, got %s", m.Type)
	}
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetCaptionData extracts caption data from a message
func (m *Message) GetCaptionData() (*CaptionData, error) {
	if m.Type != TypeCaption {
		return nil, fmt.Errorf("expected caption message, got %s", m.Type)
	}
	var data CaptionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Frame converts frame data into a camera.Frame ready for inference.
// Data URIs become local frames; http(s) URLs become remote frames whose
// base is everything before the snapshot path.
func (d *FrameData) Frame() (camera.Frame, error) {
	image := strings.TrimSpace(d.Image)
	if image == "" {
		return camera.Frame{}, fmt.Errorf("frame has no image")
	}

	kind := d.CameraType
	if kind == "" {
		kind = camera.KindLocal.String()
		if isURL(image) {
			kind = camera.KindRemote.String()
		}
	}

	parsed, err := camera.ParseKind(kind)
	if err != nil {
		return camera.Frame{}, err
	}

	switch parsed {
	case camera.KindLocal:
		// Inline payloads are forwarded as-is; the service decodes them.
		return camera.Frame{
			Source:     camera.Local(""),
			URL:        image,
			CapturedAt: time.Now(),
		}, nil
	case camera.KindRemote:
		if !isURL(image) {
			return camera.Frame{}, fmt.Errorf("ip frame image is not a URL")
		}
		base := strings.TrimSuffix(image, camera.SnapshotPath)
		return camera.Frame{
			Source:     camera.Remote(base),
			URL:        image,
			CapturedAt: time.Now(),
		}, nil
	}
	return camera.Frame{}, fmt.Errorf("unsupported camera type %q", kind)
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
