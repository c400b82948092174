// Package imaging provides the color-space conversion, ROI
// extraction, quality-metric, and lossless-codec primitives the tool
// library and program store are built on.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"gocv.io/x/gocv"
)

// ROI is an axis-aligned rectangle inside a captured frame.
type ROI struct {
	X, Y, W, H int
}

// Offset is the (dx, dy) vector published by the position-adjust
// tool and added to every other tool's ROI for the cycle.
type Offset struct {
	DX, DY int
}

// Adjusted returns the ROI shifted by off.
func (r ROI) Adjusted(off Offset) ROI {
	return ROI{X: r.X + off.DX, Y: r.Y + off.DY, W: r.W, H: r.H}
}

// WithinBounds reports whether the ROI lies fully inside an image of
// the given dimensions.
func (r ROI) WithinBounds(width, height int) bool {
	if r.W < 8 || r.H < 8 {
		return false
	}
	return r.X >= 0 && r.Y >= 0 && r.X+r.W <= width && r.Y+r.H <= height
}

// ToGray converts a BGR Mat to single-channel grayscale.
func ToGray(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)
	return dst
}

// ToHSV converts a BGR Mat to HSV.
func ToHSV(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, gocv.ColorBGRToHSV)
	return dst
}

// ROICrop extracts the region, clamping to image bounds. The returned
// Mat shares no memory with src (it is cloned), so callers may modify
// or close it independently.
func ROICrop(src gocv.Mat, roi ROI) (gocv.Mat, error) {
	width, height := src.Cols(), src.Rows()

	x0 := clampInt(roi.X, 0, width)
	y0 := clampInt(roi.Y, 0, height)
	x1 := clampInt(roi.X+roi.W, 0, width)
	y1 := clampInt(roi.Y+roi.H, 0, height)

	if x1 <= x0 || y1 <= y0 {
		return gocv.Mat{}, fmt.Errorf("roi %+v is entirely outside %dx%d image", roi, width, height)
	}

	rect := image.Rect(x0, y0, x1, y1)
	region := src.Region(rect)
	defer region.Close()
	return region.Clone(), nil
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

// QualityMetrics summarizes a captured frame's usability as an
// inspection input.
type QualityMetrics struct {
	Brightness float64
	Sharpness  float64
	Exposure   float64
	Score      float64
}

// ComputeQualityMetrics computes brightness (mean luma), sharpness
// (variance of the 3x3 Laplacian response), exposure (penalizing
// clipped pixels), and a fixed weighted score (30% brightness-fit, 50%
// sharpness, 20% exposure).
func ComputeQualityMetrics(img gocv.Mat) QualityMetrics {
	gray := ToGray(img)
	defer gray.Close()

	brightness := gray.Mean().Val1

	laplacian := gocv.NewMat()
	defer laplacian.Close()
	gocv.Laplacian(gray, &laplacian, gocv.MatTypeCV64F, 3, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(laplacian, &mean, &stddev)

	sharpness := 0.0
	if stddev.Rows() > 0 && stddev.Cols() > 0 {
		sd := stddev.GetDoubleAt(0, 0)
		sharpness = sd * sd
	}

	exposure := computeExposure(gray)

	brightnessFit := 100.0 - math.Abs(brightness-128.0)/128.0*100.0
	if brightnessFit < 0 {
		brightnessFit = 0
	}
	sharpnessScore := math.Min(100.0, sharpness/10.0)
	score := 0.30*brightnessFit + 0.50*sharpnessScore + 0.20*exposure

	return QualityMetrics{
		Brightness: brightness,
		Sharpness:  sharpness,
		Exposure:   exposure,
		Score:      score,
	}
}

// computeExposure penalizes a frame for having many pixels clipped at
// the black or white rail, returning a score in [0, 100].
func computeExposure(gray gocv.Mat) float64 {
	total := gray.Rows() * gray.Cols()
	if total == 0 {
		return 0
	}

	lowMask := gocv.NewMat()
	defer lowMask.Close()
	gocv.Threshold(gray, &lowMask, 5, 255, gocv.ThresholdBinaryInv)
	clippedLow := gocv.CountNonZero(lowMask)

	highMask := gocv.NewMat()
	defer highMask.Close()
	gocv.Threshold(gray, &highMask, 250, 255, gocv.ThresholdBinary)
	clippedHigh := gocv.CountNonZero(highMask)

	clippedRatio := float64(clippedLow+clippedHigh) / float64(total)
	score := 100.0 * (1.0 - clippedRatio)
	if score < 0 {
		score = 0
	}
	return score
}

// EncodeLossless serializes a BGR Mat to a deterministic, byte-for-
// byte reversible container. Uses the standard library's image/png
// encoder rather than gocv's OpenCV-backed codec: PNG's specification
// guarantees a stable lossless round trip of the raw pixel array,
// which is the exact property the master-image contract requires;
// OpenCV's encoder output is not specified to be stable across
// library versions.
func EncodeLossless(img gocv.Mat) ([]byte, error) {
	goImg, err := img.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert mat to image: %w", err)
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, goImg); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by EncodeLossless (or any 8-bit RGB
// PNG) back into an OpenCV-native Mat. ImageToMatRGB and Mat.ToImage
// are channel-order inverses of each other, so the codec round trip
// is pixel-identical without any extra conversion pass.
func Decode(data []byte) (gocv.Mat, error) {
	goImg, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode png: %w", err)
	}

	mat, err := gocv.ImageToMatRGB(goImg)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image to mat: %w", err)
	}
	return mat, nil
}

// ConsistencyResult reports the outcome of comparing a freshly
// captured frame against the program's master image.
type ConsistencyResult struct {
	OK       bool
	Issues   []string
	Warnings []string
}

// ConsistencyCheck compares a captured frame's dimensions and quality
// metrics against the master's. Resolution mismatch is a hard issue;
// brightness delta > 20% and sharpness ratio outside [0.7, 1.3] are
// warnings. Issues cause a surfaced warning but never abort the cycle.
func ConsistencyCheck(master, captured gocv.Mat) ConsistencyResult {
	result := ConsistencyResult{OK: true}

	if master.Cols() != captured.Cols() || master.Rows() != captured.Rows() {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf(
			"resolution mismatch: master %dx%d, captured %dx%d",
			master.Cols(), master.Rows(), captured.Cols(), captured.Rows()))
		return result
	}

	masterMetrics := ComputeQualityMetrics(master)
	capturedMetrics := ComputeQualityMetrics(captured)

	if masterMetrics.Brightness > 0 {
		delta := math.Abs(capturedMetrics.Brightness-masterMetrics.Brightness) / masterMetrics.Brightness
		if delta > 0.20 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"brightness drifted %.1f%% from master", delta*100))
		}
	}

	if masterMetrics.Sharpness > 0 {
		ratio := capturedMetrics.Sharpness / masterMetrics.Sharpness
		if ratio < 0.7 || ratio > 1.3 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"sharpness ratio %.2f outside [0.7, 1.3]", ratio))
		}
	}

	return result
}
