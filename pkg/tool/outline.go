package tool

import (
	"encoding/json"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

// OutlineParams configures the Canny edge pipeline. Zero values fall
// back to the documented defaults (low=50, high=150).
type OutlineParams struct {
	CannyLow  float32 `json:"canny_low,omitempty"`
	CannyHigh float32 `json:"canny_high,omitempty"`
}

func (p OutlineParams) resolved() (low, high float32) {
	low, high = p.CannyLow, p.CannyHigh
	if low == 0 {
		low = 50
	}
	if high == 0 {
		high = 150
	}
	return
}

// shapeMatchDecay maps the MatchShapes I1 distance onto [0, 100]: a
// perfect match (distance 0) scores 100, a distance of 1 scores ~10.
const shapeMatchDecay = 2.3

// outlineFeatures is the serialized master shape record.
type outlineFeatures struct {
	Contour []image.Point `json:"contour"`
	Area    float64       `json:"area"`
	EdgeMap []byte        `json:"edge_map"` // PNG-encoded single-channel edge Mat
	Width   int           `json:"width"`
	Height  int           `json:"height"`
}

// OutlineTool detects shape presence/identity via Hu-moment contour
// matching, a template cross-correlation of the edge maps, and an
// area ratio.
type OutlineTool struct{}

func (t *OutlineTool) Kind() Kind { return KindOutline }

func (t *OutlineTool) ExtractMasterFeatures(master gocv.Mat, roi imaging.ROI, paramsJSON json.RawMessage) (json.RawMessage, error) {
	var params OutlineParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return nil, fmt.Errorf("unmarshal outline params: %w", err)
		}
	}

	region, err := cropOrError(master, roi)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	edges, contour, area, ok := outlineEdgesAndLargestContour(region, params)
	defer edges.Close()
	if !ok {
		return nil, fmt.Errorf("no contour found in master ROI")
	}

	encodedEdges, err := encodeSingleChannel(edges)
	if err != nil {
		return nil, err
	}

	features := outlineFeatures{
		Contour: contour,
		Area:    area,
		EdgeMap: encodedEdges,
		Width:   region.Cols(),
		Height:  region.Rows(),
	}
	return json.Marshal(features)
}

func (t *OutlineTool) Evaluate(current gocv.Mat, roi imaging.ROI, featuresJSON, paramsJSON json.RawMessage) (EvalResult, error) {
	var features outlineFeatures
	if err := json.Unmarshal(featuresJSON, &features); err != nil {
		return errorResult(fmt.Errorf("unmarshal outline features: %w", err))
	}
	var params OutlineParams
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return errorResult(fmt.Errorf("unmarshal outline params: %w", err))
		}
	}
	if len(features.Contour) == 0 {
		return errorResult(fmt.Errorf("master features carry no contour"))
	}

	region, err := cropOrError(current, roi)
	if err != nil {
		return errorResult(err)
	}
	defer region.Close()

	testEdges, testContour, testArea, found := outlineEdgesAndLargestContour(region, params)
	defer testEdges.Close()

	if !found {
		// No test contour: rate 0, status determined uniformly by the
		// engine against the tool's threshold.
		return EvalResult{Rate: 0, Status: StatusOK}, nil
	}

	masterVec := gocv.NewPointVectorFromPoints(features.Contour)
	defer masterVec.Close()
	testVec := gocv.NewPointVectorFromPoints(testContour)
	defer testVec.Close()

	shapeDistance := gocv.MatchShapes(masterVec, testVec, gocv.ContoursMatchI1, 0)
	shapeScore := 100.0 * math.Exp(-shapeMatchDecay*shapeDistance)

	masterEdges, err := decodeSingleChannel(features.EdgeMap)
	if err != nil {
		return errorResult(fmt.Errorf("decode master edge map: %w", err))
	}
	defer masterEdges.Close()

	templateScore := normalizedCrossCorrelation(masterEdges, testEdges)

	areaScore := 0.0
	if features.Area > 0 && testArea > 0 {
		if features.Area < testArea {
			areaScore = 100.0 * features.Area / testArea
		} else {
			areaScore = 100.0 * testArea / features.Area
		}
	}

	rate := 0.5*shapeScore + 0.3*templateScore + 0.2*areaScore
	return EvalResult{Rate: rate, Status: StatusOK}, nil
}

// outlineEdgesAndLargestContour runs the blur→Canny→contour pipeline
// and returns the edge map plus a copy of the largest external
// contour's points and its area, if any contour was found.
func outlineEdgesAndLargestContour(region gocv.Mat, params OutlineParams) (gocv.Mat, []image.Point, float64, bool) {
	gray := imaging.ToGray(region)
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	low, high := params.resolved()
	edges := gocv.NewMat()
	gocv.Canny(blurred, &edges, low, high)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return edges, nil, 0, false
	}

	maxArea := -1.0
	maxIdx := 0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > maxArea {
			maxArea = area
			maxIdx = i
		}
	}
	// Copy the points out before contours.Close frees the vector.
	points := contours.At(maxIdx).ToPoints()
	return edges, points, maxArea, true
}

// normalizedCrossCorrelation matches two equally-shaped single-channel
// Mats via TmCcoeffNormed and returns a score in [0, 100].
func normalizedCrossCorrelation(a, b gocv.Mat) float64 {
	if a.Cols() != b.Cols() || a.Rows() != b.Rows() || a.Cols() == 0 || a.Rows() == 0 {
		return 0
	}

	af := gocv.NewMat()
	defer af.Close()
	a.ConvertTo(&af, gocv.MatTypeCV32F)
	bf := gocv.NewMat()
	defer bf.Close()
	b.ConvertTo(&bf, gocv.MatTypeCV32F)

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(af, bf, &result, gocv.TmCcoeffNormed, mask)

	_, maxVal, _, _ := gocv.MinMaxLoc(result)
	score := float64(maxVal) * 100.0
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func encodeSingleChannel(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".png", m)
	if err != nil {
		return nil, fmt.Errorf("encode edge map: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func decodeSingleChannel(data []byte) (gocv.Mat, error) {
	return gocv.IMDecode(data, gocv.IMReadGrayScale)
}
