package engine_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/diagnostics"
	"github.com/fenwick-vision/inspectord/pkg/engine"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

const testResolution = 128

func newTestFixture(t *testing.T) (*store.Store, *capability.SimulatedCamera, *capability.SimulatedIO, *capability.FakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "inspectord.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cam := capability.NewSimulatedCamera()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	io := capability.NewSimulatedIO(log)
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return st, cam, io, clock
}

func captureMaster(t *testing.T, st *store.Store, cam *capability.SimulatedCamera, programID int) {
	t.Helper()
	raw, _, err := cam.Capture(context.Background(), capability.CaptureSettings{Resolution: capability.Resolution{Width: testResolution, Height: testResolution}})
	require.NoError(t, err)
	defer raw.Close()
	encoded, err := imaging.EncodeLossless(raw)
	require.NoError(t, err)
	_, err = st.WriteMaster(programID, encoded)
	require.NoError(t, err)
}

func newAreaProgram(t *testing.T, st *store.Store, name string) store.Program {
	t.Helper()
	p, err := st.Create(store.Program{
		Name:            name,
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: testResolution, Height: testResolution},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 32, Y: 32, W: 64, H: 64}, Threshold: 80, UpperLimit: floatPtr(120)},
		},
		Outputs:       map[string]store.OutputMode{},
		OutputPulseMs: 10,
	})
	require.NoError(t, err)
	return p
}

func floatPtr(v float64) *float64 { return &v }

func newFixtureEngine(st *store.Store, cam capability.Camera, ioDev capability.DigitalIO, clock capability.Clock) (*engine.Engine, *diagnostics.Diagnostics, *resultsink.Sink) {
	sink := resultsink.New(st)
	diag := diagnostics.New(0, 0, 0, 0, 0, io.Discard, clock)
	return engine.New(cam, ioDev, clock, st, sink, diag), diag, sink
}

func TestRunCycleSelfMatchIsOK(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	p := newAreaProgram(t, st, "self-match")
	captureMaster(t, st, cam, p.ID)

	eng, _, _ := newFixtureEngine(st, cam, ioDev, clock)
	require.NoError(t, eng.Arm(p.ID))

	result, err := eng.RunCycle(store.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "OK", result.Overall)
	require.Len(t, result.ToolResults, 1)
	require.Equal(t, "OK", result.ToolResults[0].Status)
	require.InDelta(t, 100, result.ToolResults[0].Rate, 1)
}

func TestRunCycleMissingSquareIsNG(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	p := newAreaProgram(t, st, "missing-square")
	captureMaster(t, st, cam, p.ID)

	eng, _, _ := newFixtureEngine(st, cam, ioDev, clock)
	require.NoError(t, eng.Arm(p.ID))

	cam.RemoveSquare()
	result, err := eng.RunCycle(store.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "NG", result.Overall)
	require.Equal(t, "NG", result.ToolResults[0].Status)
}

func TestRunCycleUnarmedReturnsProgramNotReady(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	eng, _, _ := newFixtureEngine(st, cam, ioDev, clock)

	_, err := eng.RunCycle(store.TriggerManual)
	require.Error(t, err)
}

func TestRunCycleCaptureFailureEscalatesAfterThreeConsecutive(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	p := newAreaProgram(t, st, "flaky-camera")
	captureMaster(t, st, cam, p.ID)

	eng, _, _ := newFixtureEngine(st, cam, ioDev, clock)
	require.NoError(t, eng.Arm(p.ID))

	var unhealthy []string
	eng.OnCameraUnhealthy = func(detail string) { unhealthy = append(unhealthy, detail) }

	cam.FailNext(3)
	for i := 0; i < 3; i++ {
		result, err := eng.RunCycle(store.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, "NG", result.Overall)
		require.Empty(t, result.ToolResults)
		require.Contains(t, string(result.Aux), "CAPTURE_FAILED")
	}
	require.Len(t, unhealthy, 1)
}

func TestRunCyclePositionAdjustShiftsROIBeforeEvaluation(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	p, err := st.Create(store.Program{
		Name:            "shifted",
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: testResolution, Height: testResolution},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "position_adjust", ROI: store.ROI{X: 48, Y: 48, W: 32, H: 32}, Threshold: 0},
			{ID: 2, Kind: "area", ROI: store.ROI{X: 32, Y: 32, W: 64, H: 64}, Threshold: 80, UpperLimit: floatPtr(120)},
		},
		Outputs:       map[string]store.OutputMode{},
		OutputPulseMs: 10,
	})
	require.NoError(t, err)
	captureMaster(t, st, cam, p.ID)

	eng, _, _ := newFixtureEngine(st, cam, ioDev, clock)
	require.NoError(t, eng.Arm(p.ID))

	cam.SetSquare(16, 255, 10, -6)
	result, err := eng.RunCycle(store.TriggerManual)
	require.NoError(t, err)
	require.Len(t, result.ToolResults, 2)
	require.Equal(t, "OK", result.ToolResults[1].Status)
	require.InDelta(t, 100, result.ToolResults[1].Rate, 5)
}

func TestRunCyclePersistsAndUpdatesStatistics(t *testing.T) {
	st, cam, ioDev, clock := newTestFixture(t)
	p := newAreaProgram(t, st, "persisted")
	captureMaster(t, st, cam, p.ID)

	eng, _, sink := newFixtureEngine(st, cam, ioDev, clock)
	require.NoError(t, eng.Arm(p.ID))

	_, err := eng.RunCycle(store.TriggerManual)
	require.NoError(t, err)

	recent, err := sink.Recent(p.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	reloaded, err := st.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Statistics.Total)
}
