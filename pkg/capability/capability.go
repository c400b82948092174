// Package capability defines the three narrow hardware abstractions
// the inspection engine is built against: Camera, DigitalIO, and
// Clock. Concrete backends (simulated or real network hardware) are
// selected by configuration and injected at construction; nothing in
// the engine reaches for ambient global state.
package capability

import (
	"context"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/netcam"
)

// Resolution is a capture width/height pair.
type Resolution struct {
	Width  int
	Height int
}

// BrightnessMode selects the camera's exposure strategy.
type BrightnessMode string

const (
	BrightnessNormal   BrightnessMode = "normal"
	BrightnessHDR      BrightnessMode = "hdr"
	BrightnessHighGain BrightnessMode = "high_gain"
)

// CaptureSettings is re-applied on every capture() call so auto-
// exposure and focus track the program's configuration.
type CaptureSettings struct {
	Brightness BrightnessMode
	Focus      int // 0..100
	Resolution Resolution
}

// CaptureMetadata accompanies a captured frame.
type CaptureMetadata struct {
	CapturedAt time.Time
	Resolution Resolution
}

// Camera is the engine's exclusive handle on the imaging device.
// capture is blocking; the engine is the only caller and never issues
// overlapping captures.
type Camera interface {
	Capture(ctx context.Context, settings CaptureSettings) (gocv.Mat, CaptureMetadata, error)
	SetLighting(level int) error
	Close() error
}

// PreviewStreamer is implemented by camera backends that can serve a
// live preview stream alongside still capture. Preview is mutually
// exclusive with inspection cycles: the runtime pauses every active
// stream before a program starts and rejects new ones while one is
// running.
type PreviewStreamer interface {
	Preview(ctx context.Context, frames chan<- netcam.PreviewFrame) error
}

// Line identifies one of the eight fixed digital output lines.
type Line string

const (
	Out1 Line = "OUT1"
	Out2 Line = "OUT2"
	Out3 Line = "OUT3"
	Out4 Line = "OUT4"
	Out5 Line = "OUT5"
	Out6 Line = "OUT6"
	Out7 Line = "OUT7"
	Out8 Line = "OUT8"
)

// Edge selects which transitions a line subscription delivers.
type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

// DigitalIO abstracts the discrete I/O backplane. A simulated backend
// accepts every call, returns success, and records the intended state
// for observability — this is not an error condition, and the engine
// proceeds exactly as it would on real hardware.
type DigitalIO interface {
	Read(line Line) (bool, error)
	Write(line Line, value bool) error
	Pulse(line Line, width time.Duration) error
	Subscribe(ctx context.Context, line Line, edge Edge) (<-chan bool, error)
}

// Clock is injected so the trigger controller and diagnostics are
// testable without wall-clock sleeps.
type Clock interface {
	Now() time.Time
	SleepUntil(ctx context.Context, instant time.Time) error
	Interval(period time.Duration) <-chan time.Time
}
