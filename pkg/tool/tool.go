// Package tool implements the five ROI-evaluation kinds the
// inspection engine runs each cycle: outline, area, color_area,
// edge_detection, and position_adjust. All five share one contract —
// extract_master_features at arm time, evaluate at cycle time — so the
// engine treats them as a single tagged variant rather than a class
// hierarchy.
package tool

import (
	"encoding/json"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// Kind identifies one of the five tool evaluators.
type Kind string

const (
	KindOutline        Kind = "outline"
	KindArea           Kind = "area"
	KindColorArea      Kind = "color_area"
	KindEdgeDetection  Kind = "edge_detection"
	KindPositionAdjust Kind = "position_adjust"
)

// Status is the per-tool verdict. ERROR is reserved for "cannot
// evaluate" — unarmed, ROI out of bounds after offset, degenerate
// features — and is aggregated to NG but reported distinctly.
type Status string

const (
	StatusOK    Status = "OK"
	StatusNG    Status = "NG"
	StatusError Status = "ERROR"
)

// EvalResult is the uniform output of Evaluate. Status here is only
// meaningful as StatusError ("cannot evaluate"); a non-error result
// carries StatusOK as a placeholder and the engine recomputes the
// real OK/NG verdict with StatusFor against the tool's configured
// threshold, so the OK-window rule lives in exactly one place.
type EvalResult struct {
	Rate   float64         `json:"rate"`
	Status Status          `json:"status"`
	Aux    json.RawMessage `json:"aux,omitempty"`
	Offset *imaging.Offset `json:"offset,omitempty"`
}

// Tool is the shared contract every kind implements. Features and
// Params are opaque JSON so pkg/store can persist them without a
// bespoke marshaler per kind.
type Tool interface {
	Kind() Kind
	ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, params json.RawMessage) (features json.RawMessage, err error)
	Evaluate(current gocv.Mat, roi imaging.ROI, features, params json.RawMessage) (EvalResult, error)
}

// StatusFor applies the uniform OK-window rule: OK iff
// threshold <= rate <= (upperLimit or +inf).
func StatusFor(rate, threshold float64, upperLimit *float64) Status {
	if rate < threshold {
		return StatusNG
	}
	if upperLimit != nil && rate > *upperLimit {
		return StatusNG
	}
	return StatusOK
}

// New constructs the Tool implementation for kind.
func New(kind Kind) (Tool, error) {
	switch kind {
	case KindOutline:
		return &OutlineTool{}, nil
	case KindArea:
		return &AreaTool{}, nil
	case KindColorArea:
		return &ColorAreaTool{}, nil
	case KindEdgeDetection:
		return &EdgeDetectionTool{}, nil
	case KindPositionAdjust:
		return &PositionAdjustTool{}, nil
	default:
		return nil, fmt.Errorf("unknown tool kind %q", kind)
	}
}

func cropOrError(img gocv.Mat, roi imaging.ROI) (gocv.Mat, error) {
	if !roi.WithinBounds(img.Cols(), img.Rows()) {
		return gocv.Mat{}, fmt.Errorf("roi %+v out of bounds for %dx%d image", roi, img.Cols(), img.Rows())
	}
	return imaging.ROICrop(img, roi)
}

func errorResult(err error) (EvalResult, error) {
	return EvalResult{Rate: 0, Status: StatusError}, err
}
