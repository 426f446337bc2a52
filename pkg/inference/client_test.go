package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
)

func localFrame() camera.Frame {
	return camera.Frame{Source: camera.Local("0"), JPEG: []byte{0xff, 0xd8, 0xff, 0xd9}}
}

func remoteFrame() camera.Frame {
	return camera.Frame{Source: camera.Remote("http://cam:8080"), URL: "http://cam:8080/shot.jpg"}
}

func TestClientPredictLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			t.Errorf("Expected /predict, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.CameraType != "local" {
			t.Errorf("camera_type = %q, want local", req.CameraType)
		}
		if !strings.HasPrefix(req.Image, camera.DataURIPrefix) {
			t.Errorf("image should be a data URI, got %q", req.Image)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PredictResponse{Caption: "hello"})
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	res, err := client.Predict(context.Background(), localFrame())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if res.Caption != "hello" {
		t.Errorf("Caption = %q, want hello", res.Caption)
	}
}

func TestClientPredictRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PredictRequest
		json.NewDecoder(r.Body).Decode(&req)

		if req.CameraType != "ip" {
			t.Errorf("camera_type = %q, want ip", req.CameraType)
		}
		if req.Image != "http://cam:8080/shot.jpg" {
			t.Errorf("image = %q, want snapshot URL", req.Image)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"caption":"A"}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL + "/"))

	res, err := client.Predict(context.Background(), remoteFrame())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if res.Caption != "A" {
		t.Errorf("Caption = %q, want A", res.Caption)
	}
}

func TestClientPredictWithoutContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"caption":"B"}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	res, err := client.Predict(context.Background(), localFrame())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if res.Caption != "B" {
		t.Errorf("Caption = %q, want B", res.Caption)
	}
}

func TestClientPredictAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Invalid base64 image format"}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	_, err := client.Predict(context.Background(), localFrame())
	if !errors.Is(err, ErrInferenceFailure) {
		t.Fatalf("error = %v, want ErrInferenceFailure", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error should be *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", apiErr.StatusCode)
	}
	if apiErr.Message != "Invalid base64 image format" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if !apiErr.IsClientError() || apiErr.IsServerError() {
		t.Error("400 should be a client error")
	}
}

func TestClientPredictServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	_, err := client.Predict(context.Background(), remoteFrame())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsServerError() {
		t.Fatalf("error = %v, want 5xx APIError", err)
	}
}

func TestClientPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, _ := NewClient(WithBaseURL(server.URL), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := client.Predict(context.Background(), localFrame())
	if !errors.Is(err, ErrInferenceFailure) {
		t.Fatalf("error = %v, want ErrInferenceFailure", err)
	}

	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Errorf("error should be *TransportError, got %T", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestClientPredictConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, _ := NewClient(WithBaseURL(url))

	if _, err := client.Predict(context.Background(), localFrame()); !errors.Is(err, ErrInferenceFailure) {
		t.Errorf("error = %v, want ErrInferenceFailure", err)
	}
}

func TestClientPredictValidation(t *testing.T) {
	client, _ := NewClient()

	tests := []struct {
		name  string
		frame camera.Frame
		want  error
	}{
		{"empty frame", camera.Frame{Source: camera.Local("0")}, ErrEmptyFrame},
		{"no source", camera.Frame{JPEG: []byte{1}}, ErrUnknownCameraType},
		{"selecting", camera.Frame{Source: camera.Selecting(), URL: "x"}, ErrUnknownCameraType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Predict(context.Background(), tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if errors.Is(err, ErrInferenceFailure) {
				t.Error("validation errors are not inference failures")
			}
		})
	}
}

func TestNewClientOptions(t *testing.T) {
	client, err := NewClient(WithBaseURL("http://svc:9000/"), WithPath("process"))
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.URL() != "http://svc:9000/process" {
		t.Errorf("URL() = %q", client.URL())
	}

	if _, err := NewClient(WithBaseURL("  ")); err == nil {
		t.Error("NewClient should reject an empty base URL")
	}
}
