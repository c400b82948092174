package imaging_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

func solidGrayWithSquare(size int, bg, sq uint8, squareSize int) gocv.Mat {
	goImg := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			goImg.Set(x, y, color.RGBA{R: bg, G: bg, B: bg, A: 255})
		}
	}
	half := squareSize / 2
	cx, cy := size/2, size/2
	for y := cy - half; y < cy+half; y++ {
		for x := cx - half; x < cx+half; x++ {
			goImg.Set(x, y, color.RGBA{R: sq, G: sq, B: sq, A: 255})
		}
	}
	mat, err := gocv.ImageToMatRGB(goImg)
	if err != nil {
		panic(err)
	}
	return mat
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := solidGrayWithSquare(64, 128, 255, 16)
	defer img.Close()

	encoded, err := imaging.EncodeLossless(img)
	require.NoError(t, err)

	decoded, err := imaging.Decode(encoded)
	require.NoError(t, err)
	defer decoded.Close()

	require.Equal(t, img.Rows(), decoded.Rows())
	require.Equal(t, img.Cols(), decoded.Cols())

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(img, decoded, &diff)
	require.Zero(t, gocv.CountNonZero(imaging.ToGray(diff)))
}

func TestROIWithinBounds(t *testing.T) {
	accepted := imaging.ROI{X: 56, Y: 56, W: 8, H: 8}
	require.True(t, accepted.WithinBounds(64, 64))

	rejected := imaging.ROI{X: 56, Y: 56, W: 9, H: 8}
	require.False(t, rejected.WithinBounds(64, 64))
}

func TestConsistencyCheckResolutionMismatch(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16)
	defer master.Close()
	captured := solidGrayWithSquare(32, 128, 255, 8)
	defer captured.Close()

	result := imaging.ConsistencyCheck(master, captured)
	require.False(t, result.OK)
	require.Len(t, result.Issues, 1)
}

func TestConsistencyCheckBrightnessWarning(t *testing.T) {
	master := solidGrayWithSquare(64, 128, 255, 16)
	defer master.Close()
	captured := solidGrayWithSquare(64, 60, 255, 16)
	defer captured.Close()

	result := imaging.ConsistencyCheck(master, captured)
	require.True(t, result.OK)
	require.NotEmpty(t, result.Warnings)
}
