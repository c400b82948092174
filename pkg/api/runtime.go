package api

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/config"
	"github.com/fenwick-vision/inspectord/pkg/diagnostics"
	"github.com/fenwick-vision/inspectord/pkg/engine"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/netcam"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
	"github.com/fenwick-vision/inspectord/pkg/trigger"
)

// Runtime owns the process-wide capability singletons and builds a
// fresh engine/diagnostics/controller triple for whichever single
// program is currently running, per the "at most one program runs
// concurrently on a single appliance" process-wide state rule.
type Runtime struct {
	camera capability.Camera
	io     capability.DigitalIO
	clock  capability.Clock
	st     *store.Store
	sink   *resultsink.Sink
	diag   config.DiagnosticsConfig
	log    *logger.Logger

	mu     sync.Mutex
	active *activeProgram

	previewMu      sync.Mutex
	previewCancels map[int]context.CancelFunc
	nextPreviewID  int
}

type activeProgram struct {
	programID int
	ctrl      *trigger.Controller
	diag      *diagnostics.Diagnostics
	alertFile *os.File
}

// NewRuntime constructs a Runtime over the shared capability/store/
// sink instances wired at process startup.
func NewRuntime(camera capability.Camera, io capability.DigitalIO, clock capability.Clock, st *store.Store, sink *resultsink.Sink, diagCfg config.DiagnosticsConfig, log *logger.Logger) *Runtime {
	return &Runtime{
		camera: camera, io: io, clock: clock, st: st, sink: sink, diag: diagCfg, log: log,
		previewCancels: make(map[int]context.CancelFunc),
	}
}

// Start arms and begins running programID. CONFLICT if any program is
// already active.
func (rt *Runtime) Start(programID int) error {
	rt.mu.Lock()
	if rt.active != nil {
		rt.mu.Unlock()
		return apperr.New(apperr.CodeConflict, fmt.Sprintf("program %d is already running", rt.active.programID))
	}
	rt.mu.Unlock()

	// Preview is paused while RUNNING: the engine takes exclusive
	// ownership of the camera for the duration of the run.
	rt.cancelPreviews()

	var alertWriter *os.File
	auditWriter := io.Writer(io.Discard)
	if rt.diag.AlertLogPath != "" {
		f, err := os.OpenFile(rt.diag.AlertLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			alertWriter = f
			auditWriter = f
		}
	}

	diag := diagnostics.New(programID, rt.diag.WindowSize, rt.diag.RecentSize, rt.diag.DropPoints, rt.diag.AlertCooldown, auditWriter, rt.clock)
	eng := engine.New(rt.camera, rt.io, rt.clock, rt.st, rt.sink, diag)
	ctrl := trigger.New(eng, rt.io, rt.clock, rt.st, diag, rt.log)
	ctrl.WireFaultHooks()

	if err := ctrl.Start(programID); err != nil {
		if alertWriter != nil {
			alertWriter.Close()
		}
		return err
	}

	rt.mu.Lock()
	rt.active = &activeProgram{programID: programID, ctrl: ctrl, diag: diag, alertFile: alertWriter}
	rt.mu.Unlock()
	return nil
}

// Stop stops the currently active program. CONFLICT if none is active.
func (rt *Runtime) Stop() error {
	ap, err := rt.requireActive()
	if err != nil {
		return err
	}
	if err := ap.ctrl.Stop(); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.active = nil
	rt.mu.Unlock()
	if ap.alertFile != nil {
		ap.alertFile.Close()
	}
	return nil
}

// Reset clears a FAULTed program back to IDLE and releases its
// engine/controller triple. It never restarts inspection; the
// operator starts again explicitly.
func (rt *Runtime) Reset() error {
	ap, err := rt.requireActive()
	if err != nil {
		return err
	}
	if err := ap.ctrl.Reset(); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.active = nil
	rt.mu.Unlock()
	if ap.alertFile != nil {
		ap.alertFile.Close()
	}
	return nil
}

// Pause pauses the currently active program's trigger acceptance.
func (rt *Runtime) Pause() error {
	ap, err := rt.requireActive()
	if err != nil {
		return err
	}
	return ap.ctrl.Pause()
}

// Resume resumes the currently active program's trigger acceptance.
func (rt *Runtime) Resume() error {
	ap, err := rt.requireActive()
	if err != nil {
		return err
	}
	return ap.ctrl.Resume()
}

// TriggerManual requests one cycle on the currently active program.
// If programID does not match the active program, CONFLICT.
func (rt *Runtime) TriggerManual(programID int) error {
	ap, err := rt.requireActive()
	if err != nil {
		return err
	}
	if ap.programID != programID {
		return apperr.New(apperr.CodeConflict, fmt.Sprintf("program %d is not the active program", programID))
	}
	return ap.ctrl.TriggerManual()
}

// ActiveState returns the active program's id and controller state, or
// ok=false if no program is active.
func (rt *Runtime) ActiveState() (programID int, state trigger.State, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.active == nil {
		return 0, "", false
	}
	return rt.active.programID, rt.active.ctrl.State(), true
}

// SubscribeAlerts subscribes to the active program's diagnostic
// alerts. ok is false if no program is active.
func (rt *Runtime) SubscribeAlerts() (ch <-chan diagnostics.Alert, cancel func(), ok bool) {
	rt.mu.Lock()
	ap := rt.active
	rt.mu.Unlock()
	if ap == nil {
		return nil, nil, false
	}
	c, cancelFn := ap.diag.Subscribe()
	return c, cancelFn, true
}

// PreviewSnapshot captures one still frame with programID's capture
// settings and returns it losslessly encoded as PNG. CONFLICT while
// any program is active — preview is paused while RUNNING.
func (rt *Runtime) PreviewSnapshot(ctx context.Context, programID int) ([]byte, error) {
	if err := rt.requireIdle(); err != nil {
		return nil, err
	}
	p, err := rt.st.Get(programID)
	if err != nil {
		return nil, err
	}

	settings := capability.CaptureSettings{
		Brightness: capability.BrightnessMode(p.CaptureSettings.BrightnessMode),
		Focus:      p.CaptureSettings.Focus,
		Resolution: capability.Resolution{Width: p.CaptureSettings.Width, Height: p.CaptureSettings.Height},
	}
	frame, _, err := rt.camera.Capture(ctx, settings)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCaptureFailed, "preview capture", err)
	}
	defer frame.Close()

	encoded, err := imaging.EncodeLossless(frame)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "encode preview frame", err)
	}
	return encoded, nil
}

// PreviewStream forwards the camera's live preview stream onto frames
// until ctx is cancelled, the stream drops, or a program start pauses
// it. CONFLICT while any program is active; VALIDATION when the
// configured camera backend has no streaming path.
func (rt *Runtime) PreviewStream(ctx context.Context, frames chan<- netcam.PreviewFrame) error {
	if err := rt.requireIdle(); err != nil {
		return err
	}
	streamer, ok := rt.camera.(capability.PreviewStreamer)
	if !ok {
		return apperr.New(apperr.CodeValidation, "camera backend has no preview stream")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	id := rt.registerPreview(cancel)
	defer rt.unregisterPreview(id)
	return streamer.Preview(streamCtx, frames)
}

func (rt *Runtime) registerPreview(cancel context.CancelFunc) int {
	rt.previewMu.Lock()
	defer rt.previewMu.Unlock()
	id := rt.nextPreviewID
	rt.nextPreviewID++
	rt.previewCancels[id] = cancel
	return id
}

func (rt *Runtime) unregisterPreview(id int) {
	rt.previewMu.Lock()
	defer rt.previewMu.Unlock()
	delete(rt.previewCancels, id)
}

// cancelPreviews pauses every live preview stream. Called by Start so
// no preview session overlaps an inspection run.
func (rt *Runtime) cancelPreviews() {
	rt.previewMu.Lock()
	defer rt.previewMu.Unlock()
	for id, cancel := range rt.previewCancels {
		cancel()
		delete(rt.previewCancels, id)
	}
}

func (rt *Runtime) requireIdle() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.active != nil {
		return apperr.New(apperr.CodeConflict, "preview is paused while a program is running")
	}
	return nil
}

func (rt *Runtime) requireActive() (*activeProgram, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.active == nil {
		return nil, apperr.New(apperr.CodeConflict, "no program is currently running")
	}
	return rt.active, nil
}

// healthStatus is one of "ok", "degraded", "fault".
type healthStatus string

const (
	healthOK       healthStatus = "ok"
	healthDegraded healthStatus = "degraded"
	healthFault    healthStatus = "fault"
)

// Health reports the appliance's component health, derived from the
// active program's controller fault state (if any) and a liveness
// check of the store.
func (rt *Runtime) Health() (camera, ioStatus, storeStatus, overall healthStatus) {
	camera, ioStatus, storeStatus = healthOK, healthOK, healthOK

	if _, err := rt.st.List(); err != nil {
		storeStatus = healthFault
	}

	rt.mu.Lock()
	ap := rt.active
	rt.mu.Unlock()

	if ap != nil && ap.ctrl.State() == trigger.StateFault {
		detail := strings.ToLower(ap.ctrl.FaultDetail())
		switch {
		case strings.Contains(detail, "capture"):
			camera = healthFault
		case strings.Contains(detail, "persistence"):
			storeStatus = healthFault
		default:
			camera = healthDegraded
			ioStatus = healthDegraded
		}
	}

	overall = healthOK
	for _, s := range []healthStatus{camera, ioStatus, storeStatus} {
		if s == healthFault {
			overall = healthFault
			break
		}
		if s == healthDegraded {
			overall = healthDegraded
		}
	}
	return camera, ioStatus, storeStatus, overall
}
