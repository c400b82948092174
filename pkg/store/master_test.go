package store_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

func solidGray(size int, value uint8) []byte {
	goImg := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			goImg.Set(x, y, color.RGBA{R: value, G: value, B: value, A: 255})
		}
	}
	mat, err := gocv.ImageToMatRGB(goImg)
	if err != nil {
		panic(err)
	}
	defer mat.Close()
	encoded, err := imaging.EncodeLossless(mat)
	if err != nil {
		panic(err)
	}
	return encoded
}

func TestWriteLoadMasterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "imaged", Trigger: store.TriggerConfig{Kind: store.TriggerManual}, CaptureSettings: store.CaptureSettings{Width: 64, Height: 64}})
	require.NoError(t, err)

	raw := solidGray(64, 128)
	metrics, err := s.WriteMaster(created.ID, raw)
	require.NoError(t, err)
	require.InDelta(t, 128, metrics.Brightness, 1)

	loaded, err := s.LoadMaster(created.ID)
	require.NoError(t, err)
	defer loaded.Close()
	require.Equal(t, 64, loaded.Cols())
	require.Equal(t, 64, loaded.Rows())
}

func TestWriteMasterResolutionMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "imaged2", Trigger: store.TriggerConfig{Kind: store.TriggerManual}, CaptureSettings: store.CaptureSettings{Width: 64, Height: 64}})
	require.NoError(t, err)

	require.NoError(t, func() error { _, err := s.WriteMaster(created.ID, solidGray(64, 128)); return err }())

	_, err = s.WriteMaster(created.ID, solidGray(32, 128))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.CodeResolutionMismatch))
}

func TestLoadMasterMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "nomaster", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	_, err = s.LoadMaster(created.ID)
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestWriteMasterRejectedWhileRunning(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "running", Trigger: store.TriggerConfig{Kind: store.TriggerManual}, CaptureSettings: store.CaptureSettings{Width: 64, Height: 64}})
	require.NoError(t, err)

	s.SetRunning(created.ID, true)
	_, err = s.WriteMaster(created.ID, solidGray(64, 128))
	require.True(t, apperr.Is(err, apperr.CodeConflict))
}
