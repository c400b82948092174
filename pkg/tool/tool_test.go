package tool_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/tool"
)

func solidGrayWithSquare(size int, bg, sq uint8, squareSize, shiftX, shiftY int) gocv.Mat {
	goImg := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			goImg.Set(x, y, color.RGBA{R: bg, G: bg, B: bg, A: 255})
		}
	}
	half := squareSize / 2
	cx, cy := size/2+shiftX, size/2+shiftY
	for y := cy - half; y < cy+half; y++ {
		for x := cx - half; x < cx+half; x++ {
			if x >= 0 && x < size && y >= 0 && y < size {
				goImg.Set(x, y, color.RGBA{R: sq, G: sq, B: sq, A: 255})
			}
		}
	}
	mat, err := gocv.ImageToMatRGB(goImg)
	if err != nil {
		panic(err)
	}
	return mat
}

func TestAreaToolSelfMatch(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()

	roi := imaging.ROI{X: 24, Y: 24, W: 16, H: 16}
	at := &tool.AreaTool{}

	features, err := at.ExtractMasterFeatures(master, roi, nil)
	require.NoError(t, err)

	result, err := at.Evaluate(master, roi, features, nil)
	require.NoError(t, err)
	require.InDelta(t, 100.0, result.Rate, 0.01)
	require.GreaterOrEqual(t, result.Rate, 95.0)
}

func TestAreaToolMissingSquare(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()
	blank := solidGrayWithSquare(64, 128, 255, 0, 0, 0)
	defer blank.Close()

	roi := imaging.ROI{X: 24, Y: 24, W: 16, H: 16}
	at := &tool.AreaTool{}

	features, err := at.ExtractMasterFeatures(master, roi, nil)
	require.NoError(t, err)

	result, err := at.Evaluate(blank, roi, features, nil)
	require.NoError(t, err)
	require.Equal(t, 0.0, result.Rate)
}

func TestOutlineToolSelfMatch(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()

	roi := imaging.ROI{X: 16, Y: 16, W: 32, H: 32}
	ot := &tool.OutlineTool{}

	features, err := ot.ExtractMasterFeatures(master, roi, nil)
	require.NoError(t, err)

	result, err := ot.Evaluate(master, roi, features, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Rate, 90.0)
}

func TestPositionAdjustFindsShift(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()
	shifted := solidGrayWithSquare(64, 128, 255, 16, 4, 4)
	defer shifted.Close()

	roi := imaging.ROI{X: 0, Y: 0, W: 64, H: 64}
	pt := &tool.PositionAdjustTool{}

	paramsJSON := []byte(`{"search_margin":8}`)
	features, err := pt.ExtractMasterFeatures(master, roi, paramsJSON)
	require.NoError(t, err)

	result, err := pt.Evaluate(shifted, roi, features, paramsJSON)
	require.NoError(t, err)
	require.NotNil(t, result.Offset)
	require.InDelta(t, 4, result.Offset.DX, 1)
	require.InDelta(t, 4, result.Offset.DY, 1)
	require.GreaterOrEqual(t, result.Rate, 70.0)
}

func TestPositionAdjustSelfMatchReportsZeroOffset(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()

	roi := imaging.ROI{X: 0, Y: 0, W: 64, H: 64}
	pt := &tool.PositionAdjustTool{}

	paramsJSON := []byte(`{"search_margin":8}`)
	features, err := pt.ExtractMasterFeatures(master, roi, paramsJSON)
	require.NoError(t, err)

	result, err := pt.Evaluate(master, roi, features, paramsJSON)
	require.NoError(t, err)
	require.NotNil(t, result.Offset)
	require.Equal(t, 0, result.Offset.DX)
	require.Equal(t, 0, result.Offset.DY)
	require.GreaterOrEqual(t, result.Rate, 95.0)
}

func TestROIOutOfBoundsReturnsError(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16, 0, 0)
	defer master.Close()

	roi := imaging.ROI{X: 60, Y: 60, W: 16, H: 16}
	at := &tool.AreaTool{}

	_, err := at.ExtractMasterFeatures(master, roi, nil)
	require.Error(t, err)
}

func TestStatusForOKWindow(t *testing.T) {
	upper := 110.0
	require.Equal(t, tool.StatusOK, tool.StatusFor(100, 90, &upper))
	require.Equal(t, tool.StatusNG, tool.StatusFor(120, 90, &upper))
	require.Equal(t, tool.StatusNG, tool.StatusFor(50, 90, &upper))
	require.Equal(t, tool.StatusOK, tool.StatusFor(150, 0, nil))
}
