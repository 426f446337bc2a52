// Package preview republishes a local camera the way an IP camera does:
// a still at /shot.jpg and an MJPEG live view at /video. Another capture
// client can then select this machine as an ip source.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/teslashibe/go-caption/pkg/camera"
)

// DefaultInterval is the live view refresh period.
const DefaultInterval = 66 * time.Millisecond

// FrameFunc returns the most recent JPEG, or false if none is available.
type FrameFunc func() ([]byte, bool)

// Server serves the still and live view endpoints.
type Server struct {
	addr     string
	frames   FrameFunc
	interval time.Duration
	stream   *mjpeg.Stream
	frameMu  sync.Mutex // orders stream updates with viewer reads
	mux      *http.ServeMux
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithInterval sets the live view refresh period.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a preview server fed by frames.
func NewServer(addr string, frames FrameFunc, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		frames:   frames,
		interval: DefaultInterval,
		stream:   mjpeg.NewStream(),
		mux:      http.NewServeMux(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "preview")

	s.mux.HandleFunc(camera.SnapshotPath, s.handleShot)
	s.mux.HandleFunc(camera.LiveViewPath, s.handleVideo)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleShot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jpeg, ok := s.frames()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(jpeg)
}

// handleVideo serves the MJPEG live view. The stream hands every viewer
// the same frame buffer and rewrites it in place on update, so viewers
// copy it under frameMu before writing.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	s.stream.ServeHTTP(&frameWriter{ResponseWriter: w, mu: &s.frameMu}, r)
}

// frameWriter copies each part under mu and flushes it to the viewer.
type frameWriter struct {
	http.ResponseWriter
	mu  *sync.Mutex
	buf []byte
}

func (w *frameWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf[:0], b...)
	w.mu.Unlock()

	n, err := w.ResponseWriter.Write(w.buf)
	if err != nil {
		return n, err
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// feed pushes the latest frame into the live view until ctx is done.
func (s *Server) feed(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if jpeg, ok := s.frames(); ok {
				s.frameMu.Lock()
				s.stream.UpdateJPEG(jpeg)
				s.frameMu.Unlock()
			}
		}
	}
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.feed(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("preview listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Live view handlers never return on their own.
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	srv.Close()
	return nil
}
