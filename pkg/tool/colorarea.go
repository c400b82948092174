package tool

import (
	"encoding/json"
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// ColorAreaParams configures per-channel HSV tolerance. Zero values
// fall back to the documented defaults (ΔH=15°, ΔS=40, ΔV=40).
type ColorAreaParams struct {
	HueTolerance        float64 `json:"hue_tolerance,omitempty"`
	SaturationTolerance float64 `json:"saturation_tolerance,omitempty"`
	ValueTolerance      float64 `json:"value_tolerance,omitempty"`
}

func (p ColorAreaParams) resolved() (h, s, v float64) {
	h, s, v = p.HueTolerance, p.SaturationTolerance, p.ValueTolerance
	if h == 0 {
		h = 15
	}
	if s == 0 {
		s = 40
	}
	if v == 0 {
		v = 40
	}
	return
}

type colorAreaFeatures struct {
	LowerH      float64 `json:"lower_h"`
	LowerS      float64 `json:"lower_s"`
	LowerV      float64 `json:"lower_v"`
	UpperH      float64 `json:"upper_h"`
	UpperS      float64 `json:"upper_s"`
	UpperV      float64 `json:"upper_v"`
	Wraps       bool    `json:"wraps"`
	MasterCount int     `json:"master_count"`
}

// ColorAreaTool masks pixels within an HSV band learned from the
// master's per-channel median, with hue wrapping modulo 180 degrees
// (OpenCV's 8-bit hue range).
type ColorAreaTool struct{}

func (t *ColorAreaTool) Kind() Kind { return KindColorArea }

func (t *ColorAreaTool) ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, paramsJSON json.RawMessage) (json.RawMessage, error) {
	var params ColorAreaParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, fmt.Errorf("unmarshal color_area params: %w", err)
		}
	}

	region, err := cropOrError(master, roi)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	hsv := imaging.ToHSV(region)
	defer hsv.Close()

	hMed, sMed, vMed := channelMedians(hsv)
	dh, ds, dv := params.resolved()

	lowerH, upperH, wraps := hueBounds(hMed, dh)
	features := colorAreaFeatures{
		LowerH: lowerH, UpperH: upperH, Wraps: wraps,
		LowerS: clamp0255(sMed - ds), UpperS: clamp0255(sMed + ds),
		LowerV: clamp0255(vMed - dv), UpperV: clamp0255(vMed + dv),
	}

	mask := maskForBounds(hsv, features)
	defer mask.Close()
	features.MasterCount = gocv.CountNonZero(mask)
	if features.MasterCount == 0 {
		return nil, fmt.Errorf("master ROI has zero pixels within color band; cannot arm color_area tool")
	}

	return json.Marshal(features)
}

func (t *ColorAreaTool) Evaluate(current gocv.Mat, roi imaging.ROI, featuresJSON, _ json.RawMessage) (EvalResult, error) {
	var features colorAreaFeatures
	if err := json.Unmarshal(featuresJSON, &features); err != nil {
		return errorResult(fmt.Errorf("unmarshal color_area features: %w", err))
	}

	region, err := cropOrError(current, roi)
	if err != nil {
		return errorResult(err)
	}
	defer region.Close()

	hsv := imaging.ToHSV(region)
	defer hsv.Close()

	mask := maskForBounds(hsv, features)
	defer mask.Close()
	testCount := gocv.CountNonZero(mask)

	rate := 100.0 * float64(testCount) / float64(features.MasterCount)
	if rate > 200 {
		rate = 200
	}
	return EvalResult{Rate: rate, Status: StatusOK}, nil
}

func maskForBounds(hsv gocv.Mat, f colorAreaFeatures) gocv.Mat {
	mask := gocv.NewMat()
	if !f.Wraps {
		lower := gocv.NewScalar(f.LowerH, f.LowerS, f.LowerV, 0)
		upper := gocv.NewScalar(f.UpperH, f.UpperS, f.UpperV, 0)
		gocv.InRangeWithScalar(hsv, lower, upper, &mask)
		return mask
	}

	// Hue wraps modulo 180: split into [lowerH, 179] U [0, upperH].
	maskLow := gocv.NewMat()
	defer maskLow.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(f.LowerH, f.LowerS, f.LowerV, 0),
		gocv.NewScalar(179, f.UpperS, f.UpperV, 0),
		&maskLow)

	maskHigh := gocv.NewMat()
	defer maskHigh.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(0, f.LowerS, f.LowerV, 0),
		gocv.NewScalar(f.UpperH, f.UpperS, f.UpperV, 0),
		&maskHigh)

	gocv.BitwiseOr(maskLow, maskHigh, &mask)
	return mask
}

func hueBounds(median, tolerance float64) (lower, upper float64, wraps bool) {
	lower = median - tolerance
	upper = median + tolerance
	if lower < 0 {
		return math.Mod(lower+180, 180), math.Mod(upper, 180), true
	}
	if upper > 179 {
		return lower, math.Mod(upper, 180), true
	}
	return lower, upper, false
}

func clamp0255(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func channelMedians(hsv gocv.Mat) (h, s, v float64) {
	channels := gocv.Split(hsv)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	return medianOf(channels[0]), medianOf(channels[1]), medianOf(channels[2])
}

func medianOf(m gocv.Mat) float64 {
	hist := gocv.NewMat()
	defer hist.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	gocv.CalcHist([]gocv.Mat{m}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	total := m.Rows() * m.Cols()
	if total == 0 {
		return 0
	}

	target := total / 2
	cumulative := 0
	for i := 0; i < 256; i++ {
		cumulative += int(hist.GetFloatAt(i, 0))
		if cumulative >= target {
			return float64(i)
		}
	}
	return 255
}
