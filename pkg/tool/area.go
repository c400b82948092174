package tool

import (
	"encoding/json"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// AreaParams configures the area tool's threshold. When
// ThresholdOverride is nil, Otsu's method picks the threshold.
type AreaParams struct {
	ThresholdOverride *float64 `json:"threshold_override,omitempty"`
}

type areaFeatures struct {
	Threshold   float64 `json:"threshold"`
	MasterCount int     `json:"master_count"`
}

// AreaTool counts thresholded pixels within an ROI and compares the
// count ratio against the master. It is the most light-sensitive
// tool; the engine's first-cycle consistency check exists precisely
// so a drifted threshold is detected rather than silently tolerated.
type AreaTool struct{}

func (t *AreaTool) Kind() Kind { return KindArea }

func (t *AreaTool) ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, paramsJSON json.RawMessage) (json.RawMessage, error) {
	var params AreaParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, fmt.Errorf("unmarshal area params: %w", err)
		}
	}

	region, err := cropOrError(master, roi)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	gray := imaging.ToGray(region)
	defer gray.Close()

	threshold, count := thresholdAndCount(gray, params.ThresholdOverride)
	if count == 0 {
		return nil, fmt.Errorf("master ROI has zero thresholded pixels; cannot arm area tool")
	}

	return json.Marshal(areaFeatures{Threshold: threshold, MasterCount: count})
}

func (t *AreaTool) Evaluate(current gocv.Mat, roi imaging.ROI, featuresJSON, paramsJSON json.RawMessage) (EvalResult, error) {
	var features areaFeatures
	if err := json.Unmarshal(featuresJSON, &features); err != nil {
		return errorResult(fmt.Errorf("unmarshal area features: %w", err))
	}

	region, err := cropOrError(current, roi)
	if err != nil {
		return errorResult(err)
	}
	defer region.Close()

	gray := imaging.ToGray(region)
	defer gray.Close()

	override := features.Threshold
	_, testCount := thresholdAndCount(gray, &override)

	rate := 100.0 * float64(testCount) / float64(features.MasterCount)
	if rate > 200 {
		rate = 200
	}
	return EvalResult{Rate: rate, Status: StatusOK}, nil
}

// thresholdAndCount applies Otsu's method (or the override) and
// counts pixels at or above the resulting threshold, returning the
// threshold actually used.
func thresholdAndCount(gray gocv.Mat, override *float64) (float64, int) {
	binary := gocv.NewMat()
	defer binary.Close()

	var usedThreshold float64
	if override != nil {
		usedThreshold = *override
		gocv.Threshold(gray, &binary, float32(*override), 255, gocv.ThresholdBinary)
	} else {
		t := gocv.Threshold(gray, &binary, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)
		usedThreshold = float64(t)
	}

	count := gocv.CountNonZero(binary)
	return usedThreshold, count
}
