package trigger_test

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
	"github.com/fenwick-vision/inspectord/pkg/trigger"
)

func newHarness(t *testing.T, triggerCfg store.TriggerConfig) (*trigger.Controller, *resultsink.Sink, *capability.SimulatedIO, *capability.FakeClock, int) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "inspectord.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cam := capability.NewSimulatedCamera()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	ioDev := capability.NewSimulatedIO(log)
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	p, err := st.Create(store.Program{
		Name:            "harness",
		Trigger:         triggerCfg,
		CaptureSettings: store.CaptureSettings{Width: 64, Height: 64},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 16, Y: 16, W: 32, H: 32}, Threshold: 50},
		},
		Outputs:       map[string]store.OutputMode{},
		OutputPulseMs: 1,
	})
	require.NoError(t, err)

	raw, _, err := cam.Capture(context.Background(), capability.CaptureSettings{Resolution: capability.Resolution{Width: 64, Height: 64}})
	require.NoError(t, err)
	defer raw.Close()
	encoded, err := imaging.EncodeLossless(raw)
	require.NoError(t, err)
	_, err = st.WriteMaster(p.ID, encoded)
	require.NoError(t, err)

	sink := resultsink.New(st)
	diag := diagnostics.New(p.ID, 0, 0, 0, 0, io.Discard, clock)
	eng := engine.New(cam, ioDev, clock, st, sink, diag)
	ctrl := trigger.New(eng, ioDev, clock, st, diag, log)
	ctrl.WireFaultHooks()

	return ctrl, sink, ioDev, clock, p.ID
}

func TestStartTriggerManualStop(t *testing.T) {
	ctrl, sink, _, _, programID := newHarness(t, store.TriggerConfig{Kind: store.TriggerManual})

	require.NoError(t, ctrl.Start(programID))
	require.Equal(t, trigger.StateRunning, ctrl.State())

	require.NoError(t, ctrl.TriggerManual())
	require.Eventually(t, func() bool {
		recent, err := sink.Recent(programID, 10)
		return err == nil && len(recent) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop())
	require.Equal(t, trigger.StateIdle, ctrl.State())
}

func TestStartFromNonIdleRejected(t *testing.T) {
	ctrl, _, _, _, programID := newHarness(t, store.TriggerConfig{Kind: store.TriggerManual})

	require.NoError(t, ctrl.Start(programID))
	require.Error(t, ctrl.Start(programID))
	require.NoError(t, ctrl.Stop())
}

func TestManualRejectedWhenNotRunning(t *testing.T) {
	ctrl, _, _, _, _ := newHarness(t, store.TriggerConfig{Kind: store.TriggerManual})
	require.Error(t, ctrl.TriggerManual())
}

func TestPauseRejectsManualTrigger(t *testing.T) {
	ctrl, _, _, _, programID := newHarness(t, store.TriggerConfig{Kind: store.TriggerManual})
	require.NoError(t, ctrl.Start(programID))

	require.NoError(t, ctrl.Pause())
	require.Error(t, ctrl.TriggerManual())

	require.NoError(t, ctrl.Resume())
	require.NoError(t, ctrl.TriggerManual())

	require.NoError(t, ctrl.Stop())
}

func TestResetRequiresFault(t *testing.T) {
	ctrl, _, _, _, _ := newHarness(t, store.TriggerConfig{Kind: store.TriggerManual})
	require.Error(t, ctrl.Reset())
}

func TestInternalTriggerFiresOnClockAdvance(t *testing.T) {
	ctrl, sink, _, clock, programID := newHarness(t, store.TriggerConfig{Kind: store.TriggerInternal, PeriodMs: 100})
	require.NoError(t, ctrl.Start(programID))

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		recent, err := sink.Recent(programID, 10)
		return err == nil && len(recent) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop())
}

func TestExternalTriggerFiresOnEdge(t *testing.T) {
	ctrl, sink, ioDev, _, programID := newHarness(t, store.TriggerConfig{Kind: store.TriggerExternal, DebounceMs: 10})
	require.NoError(t, ctrl.Start(programID))

	require.NoError(t, ioDev.Write(trigger.ExternalTriggerLine, true))
	require.Eventually(t, func() bool {
		recent, err := sink.Recent(programID, 10)
		return err == nil && len(recent) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop())
}
