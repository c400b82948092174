package tool

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// PositionAdjustParams configures the search margin around the
// expected template center. Default margin is 50 px.
type PositionAdjustParams struct {
	SearchMargin int `json:"search_margin,omitempty"`
}

func (p PositionAdjustParams) resolved() int {
	if p.SearchMargin <= 0 {
		return 50
	}
	return p.SearchMargin
}

type positionFeatures struct {
	Template        []byte `json:"template"`
	TemplateW       int    `json:"template_w"`
	TemplateH       int    `json:"template_h"`
	ExpectedCenterX int    `json:"expected_center_x"`
	ExpectedCenterY int    `json:"expected_center_y"`
	SearchMargin    int    `json:"search_margin"`
}

// PositionAdjustTool locates the master's template within a search
// region of the current frame and publishes the (dx, dy) offset every
// other tool's ROI is shifted by for the remainder of the cycle. It
// always runs first in the pipeline.
type PositionAdjustTool struct{}

func (t *PositionAdjustTool) Kind() Kind { return KindPositionAdjust }

func (t *PositionAdjustTool) ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, paramsJSON json.RawMessage) (json.RawMessage, error) {
	var params PositionAdjustParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, fmt.Errorf("unmarshal position_adjust params: %w", err)
		}
	}

	region, err := cropOrError(master, roi)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	gray := imaging.ToGray(region)
	defer gray.Close()

	encoded, err := encodeSingleChannel(gray)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}

	features := positionFeatures{
		Template:        encoded,
		TemplateW:       roi.W,
		TemplateH:       roi.H,
		ExpectedCenterX: roi.X + roi.W/2,
		ExpectedCenterY: roi.Y + roi.H/2,
		SearchMargin:    params.resolved(),
	}
	return json.Marshal(features)
}

func (t *PositionAdjustTool) Evaluate(current gocv.Mat, _ imaging.ROI, featuresJSON, _ json.RawMessage) (EvalResult, error) {
	var features positionFeatures
	if err := json.Unmarshal(featuresJSON, &features); err != nil {
		return errorResult(fmt.Errorf("unmarshal position_adjust features: %w", err))
	}

	template, err := decodeSingleChannel(features.Template)
	if err != nil {
		return errorResult(fmt.Errorf("decode template: %w", err))
	}
	defer template.Close()

	margin := features.SearchMargin

	gray := imaging.ToGray(current)
	defer gray.Close()

	// Replicate-pad the frame by the search margin before cropping the
	// search window. Without the padding, a template that fills (or
	// nearly fills) its ROI collapses the search window to the
	// template size, the match result degenerates to a single cell,
	// and the reported offset is always (0, 0) no matter how far the
	// part actually moved.
	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(gray, &padded, margin, margin, margin, margin, gocv.BorderReplicate, color.RGBA{})

	paddedW, paddedH := padded.Cols(), padded.Rows()

	// Search bounds in padded coordinates (frame coordinate + margin).
	searchX0 := clampInt(features.ExpectedCenterX-features.TemplateW/2, 0, paddedW)
	searchY0 := clampInt(features.ExpectedCenterY-features.TemplateH/2, 0, paddedH)
	searchX1 := clampInt(features.ExpectedCenterX+features.TemplateW/2+2*margin, 0, paddedW)
	searchY1 := clampInt(features.ExpectedCenterY+features.TemplateH/2+2*margin, 0, paddedH)

	if searchX1-searchX0 < features.TemplateW || searchY1-searchY0 < features.TemplateH {
		return errorResult(fmt.Errorf("search region smaller than template"))
	}

	searchRegion := padded.Region(image.Rect(searchX0, searchY0, searchX1, searchY1))
	defer searchRegion.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(searchRegion, template, &result, gocv.TmCcoeffNormed, mask)

	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)

	// Convert the padded-coordinate match back to frame coordinates.
	matchCenterX := searchX0 + maxLoc.X + features.TemplateW/2 - margin
	matchCenterY := searchY0 + maxLoc.Y + features.TemplateH/2 - margin

	rate := float64(maxVal) * 100.0
	offset := &imaging.Offset{
		DX: matchCenterX - features.ExpectedCenterX,
		DY: matchCenterY - features.ExpectedCenterY,
	}

	aux, _ := json.Marshal(map[string]int{"dx": offset.DX, "dy": offset.DY})
	return EvalResult{Rate: rate, Status: StatusOK, Aux: aux, Offset: offset}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
