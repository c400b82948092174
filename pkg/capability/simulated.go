package capability

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/logger"
)

// SimulatedCamera is a deterministic in-process raster generator used
// by tests and appliances without attached hardware. It reproduces
// the solid-gray-with-centered-square raster used throughout the
// acceptance scenarios, with an optional shift so position-adjust
// behavior can be exercised.
type SimulatedCamera struct {
	mu          sync.Mutex
	background  uint8
	squareValue uint8
	squareSize  int
	shiftX      int
	shiftY      int
	failNext    int
	lighting    int
}

// NewSimulatedCamera builds a simulated camera with the default
// mid-gray-with-white-square raster.
func NewSimulatedCamera() *SimulatedCamera {
	return &SimulatedCamera{
		background:  128,
		squareValue: 255,
		squareSize:  16,
	}
}

// SetSquare configures the synthetic square's size, value, and offset
// from the frame center, for tests.
func (s *SimulatedCamera) SetSquare(size int, value uint8, shiftX, shiftY int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.squareSize = size
	s.squareValue = value
	s.shiftX = shiftX
	s.shiftY = shiftY
}

// RemoveSquare makes the next captures return a solid background
// raster, simulating the "missing square" scenario.
func (s *SimulatedCamera) RemoveSquare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.squareSize = 0
}

// FailNext causes the next n Capture calls to return CAPTURE_FAILED.
func (s *SimulatedCamera) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *SimulatedCamera) Capture(ctx context.Context, settings CaptureSettings) (gocv.Mat, CaptureMetadata, error) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return gocv.Mat{}, CaptureMetadata{}, fmt.Errorf("simulated capture failure")
	}
	background, squareValue, squareSize, shiftX, shiftY := s.background, s.squareValue, s.squareSize, s.shiftX, s.shiftY
	s.mu.Unlock()

	w, h := settings.Resolution.Width, settings.Resolution.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := color.RGBA{R: background, G: background, B: background, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}

	if squareSize > 0 {
		cx, cy := w/2+shiftX, h/2+shiftY
		half := squareSize / 2
		sq := color.RGBA{R: squareValue, G: squareValue, B: squareValue, A: 255}
		for y := cy - half; y < cy+half; y++ {
			for x := cx - half; x < cx+half; x++ {
				if x >= 0 && x < w && y >= 0 && y < h {
					img.Set(x, y, sq)
				}
			}
		}
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, CaptureMetadata{}, fmt.Errorf("convert simulated raster: %w", err)
	}

	meta := CaptureMetadata{CapturedAt: time.Now(), Resolution: settings.Resolution}
	return mat, meta, nil
}

func (s *SimulatedCamera) SetLighting(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lighting = level
	return nil
}

func (s *SimulatedCamera) Close() error { return nil }

// SimulatedIO is an in-memory line-state table standing in for real
// GPIO. Every call succeeds; the intended state is recorded for
// observability, matching the contract in the capability interfaces.
type SimulatedIO struct {
	mu    sync.RWMutex
	state map[Line]bool
	subs  map[Line][]ioSubscriber
	log   *logger.Logger
}

type ioSubscriber struct {
	ch   chan bool
	edge Edge
}

// NewSimulatedIO builds a simulated digital I/O backend with all
// lines initially low.
func NewSimulatedIO(log *logger.Logger) *SimulatedIO {
	return &SimulatedIO{
		state: make(map[Line]bool),
		subs:  make(map[Line][]ioSubscriber),
		log:   log,
	}
}

func (s *SimulatedIO) Read(line Line) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state[line], nil
}

func (s *SimulatedIO) Write(line Line, value bool) error {
	s.mu.Lock()
	prev := s.state[line]
	s.state[line] = value
	subs := append([]ioSubscriber(nil), s.subs[line]...)
	s.mu.Unlock()

	s.log.DebugIO("line write", "line", string(line), "value", value)

	if prev == value {
		return nil
	}
	rising := value
	for _, sub := range subs {
		if (sub.edge == EdgeRising && !rising) || (sub.edge == EdgeFalling && rising) {
			continue
		}
		select {
		case sub.ch <- value:
		default:
		}
	}
	return nil
}

// Pulse asserts the line and schedules the falling edge after width.
// The falling edge is not awaited, so output actuation never extends
// the cycle by the pulse width.
func (s *SimulatedIO) Pulse(line Line, width time.Duration) error {
	if err := s.Write(line, true); err != nil {
		return err
	}
	time.AfterFunc(width, func() { _ = s.Write(line, false) })
	return nil
}

func (s *SimulatedIO) Subscribe(ctx context.Context, line Line, edge Edge) (<-chan bool, error) {
	ch := make(chan bool, 8)
	s.mu.Lock()
	s.subs[line] = append(s.subs[line], ioSubscriber{ch: ch, edge: edge})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		remaining := s.subs[line][:0]
		for _, sub := range s.subs[line] {
			if sub.ch != ch {
				remaining = append(remaining, sub)
			}
		}
		s.subs[line] = remaining
		close(ch)
	}()

	return ch, nil
}
