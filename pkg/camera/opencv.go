package camera

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// CVDevice is a Device backed by an OpenCV VideoCapture.
// A background reader keeps the most recent frame JPEG-encoded.
type CVDevice struct {
	capture *gocv.VideoCapture
	quality int
	period  time.Duration

	mu     sync.RWMutex
	latest []byte

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// OpenCV opens a capture device. An empty id opens device 0, numeric ids
// are device indices, anything else is handed to OpenCV as a path or URL.
func OpenCV(deviceID string, cfg Config) (Device, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid camera config: %v", errs)
	}

	var target interface{} = 0
	if deviceID != "" {
		if idx, err := strconv.Atoi(deviceID); err == nil {
			target = idx
		} else {
			target = deviceID
		}
	}

	capture, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("open video capture %v: %w", target, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	d := &CVDevice{
		capture: capture,
		quality: cfg.Quality,
		period:  time.Second / time.Duration(cfg.Framerate),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *CVDevice) readLoop() {
	defer close(d.done)

	img := gocv.NewMat()
	defer img.Close()

	params := []int{gocv.IMWriteJpegQuality, d.quality}

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if ok := d.capture.Read(&img); !ok || img.Empty() {
			// Device still warming up or briefly unavailable.
			time.Sleep(d.period)
			continue
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, params)
		if err != nil {
			continue
		}
		jpeg := append([]byte(nil), buf.GetBytes()...)
		buf.Close()

		d.mu.Lock()
		d.latest = jpeg
		d.mu.Unlock()
	}
}

// Latest implements Device.
func (d *CVDevice) Latest() ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.latest != nil
}

// Close implements Device.
func (d *CVDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.stop)
		<-d.done
		err = d.capture.Close()
	})
	return err
}
