package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/store"
	"github.com/fenwick-vision/inspectord/pkg/tool"
)

// RunCycle executes one capture-evaluate-actuate-log pass. It always
// returns a populated CycleResult; error is non-nil only when the
// engine is not armed, which the trigger controller must never allow.
func (e *Engine) RunCycle(triggerSource store.TriggerKind) (result store.CycleResult, err error) {
	e.mu.Lock()
	if !e.hasMaster {
		e.mu.Unlock()
		return store.CycleResult{}, apperr.New(apperr.CodeProgramNotReady, "engine not armed")
	}
	e.mu.Unlock()

	tStart := e.clock.Now()
	stages := map[string]float64{}

	busyReleased := false
	release := func() {
		if busyReleased {
			return
		}
		busyReleased = true
		if werr := e.io.Write(capability.Out1, false); werr != nil {
			e.diag.RaiseIOUnhealthy(werr.Error())
		}
	}

	if werr := e.io.Write(capability.Out1, true); werr != nil {
		e.diag.RaiseIOUnhealthy(werr.Error())
	}
	// Scoped-acquisition safety net: guarantees BUSY is deasserted on
	// every exit path, including a recovered panic.
	defer release()

	defer func() {
		if rec := recover(); rec != nil {
			release()
			result = e.buildResult(triggerSource, tStart, stages, "NG", nil, fmt.Sprintf("INTERNAL: %v", rec))
			tripped := e.recordInternalOutcome(true)
			e.persistAndDiagnose(result)
			if tripped && e.OnInternalFault != nil {
				e.OnInternalFault("3 internal errors within the last 10 cycles")
			}
		}
	}()

	result = e.runCycleInner(triggerSource, tStart, stages, release)
	e.recordInternalOutcome(false)
	return result, nil
}

func (e *Engine) runCycleInner(triggerSource store.TriggerKind, tStart time.Time, stages map[string]float64, release func()) store.CycleResult {
	e.mu.Lock()
	program := e.program
	master := e.master
	tools := e.tools
	positionTool := e.positionTool
	firstCycleDone := e.firstCycleDone
	e.mu.Unlock()

	captureStart := e.clock.Now()
	captured, _, err := e.camera.Capture(context.Background(), toCaptureSettings(program.CaptureSettings))
	stages["capture"] = millisSince(captureStart, e.clock.Now())

	if err != nil {
		release()
		e.mu.Lock()
		e.consecutiveCaptureFailures++
		failures := e.consecutiveCaptureFailures
		e.mu.Unlock()
		if failures >= 3 && e.OnCameraUnhealthy != nil {
			e.OnCameraUnhealthy(fmt.Sprintf("%d consecutive capture failures", failures))
			e.diag.RaiseCameraUnhealthy(fmt.Sprintf("%d consecutive capture failures", failures))
		}
		// A failed capture still counts as an NG cycle; the error class
		// travels in aux so overall stays within {OK, NG}.
		result := e.buildResult(triggerSource, tStart, stages, "NG", nil, "CAPTURE_FAILED: "+err.Error())
		e.persistAndDiagnose(result)
		return result
	}
	defer captured.Close()

	e.mu.Lock()
	e.consecutiveCaptureFailures = 0
	e.mu.Unlock()

	if !firstCycleDone {
		e.diag.FirstCycleQuality(master, captured)
		e.mu.Lock()
		e.firstCycleDone = true
		e.mu.Unlock()
	}

	offset := imaging.Offset{}
	var toolResults []store.ToolResult

	if positionTool != nil {
		adjustStart := e.clock.Now()
		tr, off := e.evaluatePositionTool(positionTool, captured)
		stages["position_adjust"] = millisSince(adjustStart, e.clock.Now())
		offset = off
		toolResults = append(toolResults, tr)
	}

	evalStart := e.clock.Now()
	for _, at := range tools {
		toolResults = append(toolResults, e.evaluateTool(at, captured, offset))
	}
	stages["evaluate"] = millisSince(evalStart, e.clock.Now())

	overall := aggregateOverall(toolResults, positionTool)

	outputStart := e.clock.Now()
	e.driveOutputs(program, overall)
	stages["outputs"] = millisSince(outputStart, e.clock.Now())

	release()

	result := e.buildResult(triggerSource, tStart, stages, overall, toolResults, "")
	e.persistAndDiagnose(result)
	return result
}

func (e *Engine) evaluatePositionTool(at *armedTool, captured gocv.Mat) (store.ToolResult, imaging.Offset) {
	if at.armErr != nil {
		return toolResultFromError(at.config, at.armErr), imaging.Offset{}
	}
	roi := storeROIToImaging(at.config.ROI)
	res, err := at.impl.Evaluate(captured, roi, at.features, at.config.Params)
	if err != nil {
		return toolResultFromError(at.config, err), imaging.Offset{}
	}

	status := tool.StatusOK
	offset := imaging.Offset{}
	if res.Offset != nil {
		offset = *res.Offset
	}
	switch {
	case res.Status == tool.StatusError:
		status = tool.StatusError
		offset = imaging.Offset{}
	case at.config.Threshold > 0:
		// §4.3.5: below threshold is the tool-specific ERROR exception,
		// not the generic OK/NG rule other tool kinds use.
		if res.Rate < at.config.Threshold {
			status = tool.StatusError
		} else {
			status = tool.StatusOK
		}
		if status != tool.StatusOK {
			offset = imaging.Offset{}
		}
	}

	return store.ToolResult{
		ToolID: at.config.ID, Kind: at.config.Kind, Status: string(status),
		Rate: res.Rate, Threshold: at.config.Threshold, UpperLimit: at.config.UpperLimit, Aux: res.Aux,
	}, offset
}

func (e *Engine) evaluateTool(at *armedTool, captured gocv.Mat, offset imaging.Offset) store.ToolResult {
	if at.armErr != nil {
		return toolResultFromError(at.config, at.armErr)
	}
	roi := storeROIToImaging(at.config.ROI).Adjusted(offset)
	res, err := at.impl.Evaluate(captured, roi, at.features, at.config.Params)
	if err != nil {
		return toolResultFromError(at.config, err)
	}

	status := res.Status
	if status != tool.StatusError {
		status = tool.StatusFor(res.Rate, at.config.Threshold, at.config.UpperLimit)
	}

	return store.ToolResult{
		ToolID: at.config.ID, Kind: at.config.Kind, Status: string(status),
		Rate: res.Rate, Threshold: at.config.Threshold, UpperLimit: at.config.UpperLimit, Aux: res.Aux,
	}
}

func toolResultFromError(tc store.ToolConfig, err error) store.ToolResult {
	aux, _ := json.Marshal(map[string]string{"error": err.Error()})
	return store.ToolResult{ToolID: tc.ID, Kind: tc.Kind, Status: string(tool.StatusError), Rate: 0, Threshold: tc.Threshold, UpperLimit: tc.UpperLimit, Aux: aux}
}

// aggregateOverall implements §4.5 step 6: OK iff every detection
// tool is OK; the position tool's status only contributes when its
// operator-configured threshold is greater than zero.
func aggregateOverall(results []store.ToolResult, positionTool *armedTool) string {
	for _, r := range results {
		if positionTool != nil && r.ToolID == positionTool.config.ID {
			if positionTool.config.Threshold > 0 && r.Status != "OK" {
				return "NG"
			}
			continue
		}
		if r.Status != "OK" {
			return "NG"
		}
	}
	return "OK"
}

func (e *Engine) driveOutputs(p store.Program, overall string) {
	pulse := e.outputPulse
	if pulse <= 0 {
		pulse = defaultOutputPulse
	}

	if overall == "OK" {
		if err := e.io.Pulse(capability.Out2, pulse); err != nil {
			e.diag.RaiseIOUnhealthy(err.Error())
		}
	} else {
		if err := e.io.Pulse(capability.Out3, pulse); err != nil {
			e.diag.RaiseIOUnhealthy(err.Error())
		}
	}

	for lineName, mode := range p.Outputs {
		line := capability.Line(lineName)
		var value bool
		switch mode {
		case store.OutputOKLevel:
			value = overall == "OK"
		case store.OutputNGLevel:
			value = overall != "OK"
		case store.OutputAlwaysOn:
			value = true
		case store.OutputAlwaysOff:
			value = false
		case store.OutputUnused:
			continue
		default:
			continue
		}
		if err := e.io.Write(line, value); err != nil {
			e.diag.RaiseIOUnhealthy(err.Error())
		}
	}
}

func (e *Engine) buildResult(triggerSource store.TriggerKind, tStart time.Time, stages map[string]float64, overall string, toolResults []store.ToolResult, errDetail string) store.CycleResult {
	// Sequence numbers are assigned here, before persistence, so the
	// result sink observes strictly increasing values; the counter is
	// reset by Arm so each run session restarts at 1.
	e.mu.Lock()
	programID := e.program.ID
	runSession := e.runSession
	e.cycleSeq++
	seq := e.cycleSeq
	e.mu.Unlock()

	total := 0.0
	for _, v := range stages {
		total += v
	}

	var aux json.RawMessage
	if errDetail != "" {
		aux, _ = json.Marshal(map[string]string{"error": errDetail})
	}

	return store.CycleResult{
		ProgramID:        programID,
		RunSession:       runSession,
		CycleSeq:         seq,
		Timestamp:        e.clock.Now(),
		TriggerSource:    triggerSource,
		Overall:          overall,
		ToolResults:      toolResults,
		ProcessingTimeMs: total,
		PerStageMs:       stages,
		Aux:              aux,
	}
}

// persistAndDiagnose hands a completed cycle to the result sink and
// diagnostics, retrying persistence once before escalating to FAULT,
// per §4.5's PERSISTENCE_FAILURE policy.
func (e *Engine) persistAndDiagnose(result store.CycleResult) {
	if err := e.sink.Append(result); err != nil {
		if err2 := e.sink.Append(result); err2 != nil {
			if e.OnPersistenceFault != nil {
				e.OnPersistenceFault(err2.Error())
			}
		}
	}
	e.diag.PerCycle(result)

	deadline := e.softDeadlineMs()
	if result.ProcessingTimeMs > deadline {
		e.diag.RaiseSlowCycle(result.ProcessingTimeMs, deadline)
	}
}

func (e *Engine) softDeadlineMs() float64 {
	e.mu.Lock()
	period := e.program.Trigger.PeriodMs
	e.mu.Unlock()
	deadline := float64(2 * period)
	if deadline < 1000 {
		deadline = 1000
	}
	return deadline
}

func millisSince(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000.0
}

func toCaptureSettings(cs store.CaptureSettings) capability.CaptureSettings {
	return capability.CaptureSettings{
		Brightness: capability.BrightnessMode(cs.BrightnessMode),
		Focus:      cs.Focus,
		Resolution: capability.Resolution{Width: cs.Width, Height: cs.Height},
	}
}
