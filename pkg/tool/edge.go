package tool

import (
	"encoding/json"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// EdgeDetectionParams configures the Canny pipeline.
type EdgeDetectionParams struct {
	CannyLow  float32 `json:"canny_low,omitempty"`
	CannyHigh float32 `json:"canny_high,omitempty"`
}

func (p EdgeDetectionParams) resolved() (low, high float32) {
	low, high = p.CannyLow, p.CannyHigh
	if low == 0 {
		low = 50
	}
	if high == 0 {
		high = 150
	}
	return
}

type edgeFeatures struct {
	Low         float32 `json:"low"`
	High        float32 `json:"high"`
	MasterEdges int     `json:"master_edges"`
}

// EdgeDetectionTool counts Canny edge pixels within an ROI and
// compares the count ratio against the master.
type EdgeDetectionTool struct{}

func (t *EdgeDetectionTool) Kind() Kind { return KindEdgeDetection }

func (t *EdgeDetectionTool) ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, paramsJSON json.RawMessage) (json.RawMessage, error) {
	var params EdgeDetectionParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, fmt.Errorf("unmarshal edge_detection params: %w", err)
		}
	}

	region, err := cropOrError(master, roi)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	low, high := params.resolved()
	count := edgePixelCount(region, low, high)
	if count == 0 {
		return nil, fmt.Errorf("master ROI has zero edge pixels; cannot arm edge_detection tool")
	}

	return json.Marshal(edgeFeatures{Low: low, High: high, MasterEdges: count})
}

func (t *EdgeDetectionTool) Evaluate(current gocv.Mat, roi imaging.ROI, featuresJSON, _ json.RawMessage) (EvalResult, error) {
	var features edgeFeatures
	if err := json.Unmarshal(featuresJSON, &features); err != nil {
		return errorResult(fmt.Errorf("unmarshal edge_detection features: %w", err))
	}

	region, err := cropOrError(current, roi)
	if err != nil {
		return errorResult(err)
	}
	defer region.Close()

	testEdges := edgePixelCount(region, features.Low, features.High)
	rate := 100.0 * float64(testEdges) / float64(features.MasterEdges)
	if rate > 200 {
		rate = 200
	}
	return EvalResult{Rate: rate, Status: StatusOK}, nil
}

func edgePixelCount(region gocv.Mat, low, high float32) int {
	gray := imaging.ToGray(region)
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, low, high)

	return gocv.CountNonZero(edges)
}
