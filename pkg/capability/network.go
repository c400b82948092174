package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/netcam"
)

// NetworkCamera reaches a real network camera: synchronous HTTP
// snapshot for capture(), plus a best-effort RTSP preview stream that
// the engine exposes through its own "preview frame" method. The two
// paths never run concurrently with each other's intent — preview is
// paused by the caller while a program is RUNNING.
type NetworkCamera struct {
	snapshot *netcam.SnapshotClient
	preview  *netcam.PreviewSource
	logger   *logger.Logger
}

// NewNetworkCamera builds a camera bound to a snapshot URL and an
// optional preview RTSP URL (empty disables preview).
func NewNetworkCamera(snapshotURL, previewRTSPURL string, log *logger.Logger) *NetworkCamera {
	cam := &NetworkCamera{
		snapshot: netcam.NewSnapshotClient(snapshotURL, log.Logger),
		logger:   log,
	}
	if previewRTSPURL != "" {
		cam.preview = netcam.NewPreviewSource(previewRTSPURL, log.Logger)
	}
	return cam
}

func (c *NetworkCamera) Capture(ctx context.Context, settings CaptureSettings) (gocv.Mat, CaptureMetadata, error) {
	mat, err := c.snapshot.Capture(ctx)
	if err != nil {
		return gocv.Mat{}, CaptureMetadata{}, fmt.Errorf("network capture: %w", err)
	}

	meta := CaptureMetadata{CapturedAt: time.Now(), Resolution: settings.Resolution}
	return mat, meta, nil
}

func (c *NetworkCamera) SetLighting(level int) error {
	// No controllable illumination on this backend; no-op per the
	// capability contract.
	return nil
}

func (c *NetworkCamera) Close() error { return nil }

// Preview streams undecoded H.264 access units on frames. Returns an
// error immediately if no preview RTSP URL was configured.
func (c *NetworkCamera) Preview(ctx context.Context, frames chan<- netcam.PreviewFrame) error {
	if c.preview == nil {
		return fmt.Errorf("preview not configured for this camera")
	}
	return c.preview.Stream(ctx, frames)
}

// GPIOLine is a single sysfs-gpio-backed output line.
type GPIOLine struct {
	number int
	path   string
}

// GPIOWriter drives real digital outputs through a sysfs-style
// gpiochip interface. It is used on appliance hardware; the simulated
// backend is substituted on platforms without GPIO, never silently
// swapped in for a backend configured as real hardware.
type GPIOWriter struct {
	mu     sync.RWMutex
	chip   string
	lines  map[Line]GPIOLine
	state  map[Line]bool
	logger *logger.Logger
}

// NewGPIOWriter opens a writer against the given gpiochip path, with
// line assignments for OUT1..OUT8.
func NewGPIOWriter(chipPath string, assignments map[Line]int, log *logger.Logger) *GPIOWriter {
	lines := make(map[Line]GPIOLine, len(assignments))
	for line, number := range assignments {
		lines[line] = GPIOLine{number: number, path: filepath.Join(chipPath, "line"+strconv.Itoa(number))}
	}
	return &GPIOWriter{chip: chipPath, lines: lines, state: make(map[Line]bool), logger: log}
}

func (g *GPIOWriter) Read(line Line) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state[line], nil
}

func (g *GPIOWriter) Write(line Line, value bool) error {
	gl, ok := g.lines[line]
	if !ok {
		return fmt.Errorf("line %s not assigned on chip %s", line, g.chip)
	}

	content := "0"
	if value {
		content = "1"
	}
	if err := os.WriteFile(gl.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write gpio line %s: %w", line, err)
	}

	g.mu.Lock()
	g.state[line] = value
	g.mu.Unlock()

	g.logger.DebugIO("gpio line write", "line", string(line), "value", value)
	return nil
}

// Pulse asserts the line and schedules the falling edge after width,
// without blocking the caller for the pulse duration.
func (g *GPIOWriter) Pulse(line Line, width time.Duration) error {
	if err := g.Write(line, true); err != nil {
		return err
	}
	time.AfterFunc(width, func() { _ = g.Write(line, false) })
	return nil
}

func (g *GPIOWriter) Subscribe(ctx context.Context, line Line, edge Edge) (<-chan bool, error) {
	gl, ok := g.lines[line]
	if !ok {
		return nil, fmt.Errorf("line %s not assigned on chip %s", line, g.chip)
	}

	ch := make(chan bool, 8)
	go g.pollEdge(ctx, gl, edge, ch)
	return ch, nil
}

// pollEdge polls the line's value file rather than using a real
// interrupt-driven edge subscription, trading latency for portability
// across gpiochip sysfs implementations.
func (g *GPIOWriter) pollEdge(ctx context.Context, gl GPIOLine, edge Edge, ch chan<- bool) {
	defer close(ch)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	var last bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(gl.path)
			if err != nil {
				continue
			}
			current := len(data) > 0 && data[0] == '1'
			if current == last {
				continue
			}
			rising := !last && current
			falling := last && !current
			last = current

			if (edge == EdgeRising && rising) || (edge == EdgeFalling && falling) || edge == EdgeBoth {
				select {
				case ch <- current:
				default:
				}
			}
		}
	}
}
