// Package engine implements the per-cycle inspection pipeline. One
// Engine owns exactly one program's camera and digital-I/O access for
// the duration it is armed, the same exclusive-ownership discipline a
// media relay applies to its upstream connection and output bridge.
// Engine is single-threaded per program: run_cycle never yields
// internally, so tool evaluations and output actuation never race
// against each other.
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/diagnostics"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
	"github.com/fenwick-vision/inspectord/pkg/tool"
)

const defaultOutputPulse = 300 * time.Millisecond

// armedTool pairs a configured tool with its live implementation and
// extracted master features.
type armedTool struct {
	config   store.ToolConfig
	impl     tool.Tool
	features json.RawMessage
	armErr   error // non-nil iff extraction failed; tool always reports ERROR
}

// Engine runs one program's inspection cycles. Construct with New,
// then Arm before the first RunCycle.
type Engine struct {
	camera capability.Camera
	io     capability.DigitalIO
	clock  capability.Clock
	store  *store.Store
	sink   *resultsink.Sink
	diag   *diagnostics.Diagnostics

	// OnCameraUnhealthy, OnPersistenceFault, and OnInternalFault mirror
	// a connection-loss hook shape: the trigger controller subscribes
	// to learn when it must transition to FAULT.
	OnCameraUnhealthy  func(detail string)
	OnPersistenceFault func(detail string)
	OnInternalFault    func(detail string)

	mu             sync.Mutex
	program        store.Program
	master         gocv.Mat
	hasMaster      bool
	tools          []*armedTool
	positionTool   *armedTool
	outputPulse    time.Duration
	firstCycleDone bool
	runSession     int64
	cycleSeq       int64

	consecutiveCaptureFailures int
	internalErrorHistory       []bool // last 10 cycle outcomes; true = INTERNAL occurred
}

// New constructs an Engine for one program's lifetime over the given
// capabilities and shared sink/diagnostics.
func New(camera capability.Camera, io capability.DigitalIO, clock capability.Clock, st *store.Store, sink *resultsink.Sink, diag *diagnostics.Diagnostics) *Engine {
	return &Engine{camera: camera, io: io, clock: clock, store: st, sink: sink, diag: diag}
}

// Arm loads the program, its master image, and extracts master
// features for every tool. Extraction errors leave that tool unarmed
// (it will report ERROR every cycle) but do not abort arming unless
// every detection tool fails to arm.
func (e *Engine) Arm(programID int) error {
	p, err := e.store.Get(programID)
	if err != nil {
		return err
	}
	if len(p.Tools) == 0 {
		return apperr.New(apperr.CodeProgramNotReady, "program has no tools")
	}
	positionAdjustCount := 0
	for _, tc := range p.Tools {
		if tc.Kind == string(tool.KindPositionAdjust) {
			positionAdjustCount++
		}
	}
	if positionAdjustCount > 1 {
		return apperr.New(apperr.CodeProgramNotReady, "program has more than one position_adjust tool")
	}

	master, err := e.store.LoadMaster(programID)
	if err != nil {
		return apperr.Wrap(apperr.CodeProgramNotReady, "load master image", err)
	}

	runSession, err := e.store.NextRunSession(programID)
	if err != nil {
		master.Close()
		return err
	}

	var armed []*armedTool
	var positionTool *armedTool
	detectionArmed := 0

	for _, tc := range p.Tools {
		impl, err := tool.New(tool.Kind(tc.Kind))
		if err != nil {
			master.Close()
			return apperr.Wrap(apperr.CodeProgramNotReady, "unknown tool kind", err)
		}
		roi := storeROIToImaging(tc.ROI)

		at := &armedTool{config: tc, impl: impl}
		features, extractErr := impl.ExtractMasterFeatures(master, roi, tc.Params)
		if extractErr != nil {
			at.armErr = extractErr
		} else {
			at.features = features
			if tc.Kind != string(tool.KindPositionAdjust) {
				detectionArmed++
			}
		}

		if tc.Kind == string(tool.KindPositionAdjust) {
			positionTool = at
		} else {
			armed = append(armed, at)
		}
	}

	if detectionArmed == 0 {
		master.Close()
		return apperr.New(apperr.CodeProgramNotReady, "all detection tools failed to arm")
	}

	pulse := time.Duration(p.OutputPulseMs) * time.Millisecond
	if pulse <= 0 {
		pulse = defaultOutputPulse
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasMaster {
		e.master.Close()
	}
	e.program = p
	e.master = master
	e.hasMaster = true
	e.tools = armed
	e.positionTool = positionTool
	e.outputPulse = pulse
	e.firstCycleDone = false
	e.runSession = runSession
	e.cycleSeq = 0
	e.consecutiveCaptureFailures = 0
	e.internalErrorHistory = nil
	return nil
}

// Disarm releases the master image and tool feature memory. The
// engine is not usable again until Arm is called.
func (e *Engine) Disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasMaster {
		e.master.Close()
		e.hasMaster = false
	}
	e.tools = nil
	e.positionTool = nil
	e.program = store.Program{}
}

// Program returns the currently armed program (zero value if unarmed).
func (e *Engine) Program() store.Program {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.program
}

func storeROIToImaging(r store.ROI) imaging.ROI {
	return imaging.ROI{X: r.X, Y: r.Y, W: r.W, H: r.H}
}

// recordInternalOutcome appends to the rolling 10-cycle INTERNAL
// history and reports whether the 3-within-10 hysteresis has tripped.
func (e *Engine) recordInternalOutcome(occurred bool) (faultTripped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.internalErrorHistory = append(e.internalErrorHistory, occurred)
	if len(e.internalErrorHistory) > 10 {
		e.internalErrorHistory = e.internalErrorHistory[len(e.internalErrorHistory)-10:]
	}
	count := 0
	for _, v := range e.internalErrorHistory {
		if v {
			count++
		}
	}
	return count >= 3
}
