package diagnostics_test

import (
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/diagnostics"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

func solidGray(size int, value uint8) gocv.Mat {
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
	return mat
}

func cycleResult(toolID int, status string, rate float64) store.CycleResult {
	overall := "OK"
	if status != "OK" {
		overall = "NG"
	}
	return store.CycleResult{
		ProgramID: 1,
		Overall:   overall,
		ToolResults: []store.ToolResult{
			{ToolID: toolID, Kind: "area", Status: status, Rate: rate},
		},
	}
}

func TestPerCycleUpdatesCounters(t *testing.T) {
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	diag := diagnostics.New(1, 0, 0, 0, 0, io.Discard, clock)

	diag.PerCycle(cycleResult(1, "OK", 100))
	diag.PerCycle(cycleResult(1, "ERROR", 0))

	snap := diag.Snapshot()
	require.EqualValues(t, 1, snap.CyclesSucceeded)
	require.EqualValues(t, 1, snap.CyclesFailed)
	require.EqualValues(t, 1, snap.PerToolErrors[1])
}

func TestDetectDegradationEmitsAlertAfterDrop(t *testing.T) {
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	diag := diagnostics.New(1, 40, 20, 5, time.Minute, io.Discard, clock)

	alerts, cancel := diag.Subscribe()
	defer cancel()

	// Fill the window with a stable high rate, then drive the most
	// recent window down far enough to trip the degradation check.
	for i := 0; i < 20; i++ {
		diag.PerCycle(cycleResult(1, "OK", 100))
	}
	for i := 0; i < 20; i++ {
		diag.PerCycle(cycleResult(1, "NG", 50))
	}

	select {
	case a := <-alerts:
		require.Equal(t, diagnostics.AlertDegradation, a.Kind)
		require.Equal(t, 1, a.ToolID)
		require.Equal(t, clock.Now(), a.RaisedAt)
	case <-time.After(time.Second):
		t.Fatal("expected a DEGRADATION alert")
	}
}

func TestDetectDegradationRespectsCooldown(t *testing.T) {
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	diag := diagnostics.New(1, 40, 20, 5, time.Minute, io.Discard, clock)

	alerts, cancel := diag.Subscribe()
	defer cancel()

	for i := 0; i < 20; i++ {
		diag.PerCycle(cycleResult(1, "OK", 100))
	}
	for i := 0; i < 20; i++ {
		diag.PerCycle(cycleResult(1, "NG", 50))
	}
	<-alerts // first alert, within cooldown afterwards

	// Still within the cooldown: another drop-triggering cycle must
	// not produce a second alert.
	diag.PerCycle(cycleResult(1, "NG", 50))
	select {
	case a := <-alerts:
		t.Fatalf("unexpected alert before cooldown elapsed: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFirstCycleQualityEmitsWarningsOnce(t *testing.T) {
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	diag := diagnostics.New(1, 0, 0, 0, 0, io.Discard, clock)

	alerts, cancel := diag.Subscribe()
	defer cancel()

	master := solidGray(32, 128)
	defer master.Close()
	captured := solidGray(16, 128)
	defer captured.Close()

	diag.FirstCycleQuality(master, captured)

	select {
	case a := <-alerts:
		require.Equal(t, diagnostics.AlertQualityWarning, a.Kind)
		require.Equal(t, clock.Now(), a.RaisedAt)
	case <-time.After(time.Second):
		t.Fatal("expected a QUALITY_WARNING alert for the resolution mismatch")
	}

	// Second call is a no-op: no further alerts are emitted.
	diag.FirstCycleQuality(master, captured)
	select {
	case a := <-alerts:
		t.Fatalf("unexpected second alert: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecordTriggerCounters(t *testing.T) {
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	diag := diagnostics.New(1, 0, 0, 0, 0, io.Discard, clock)

	diag.RecordTriggerAccepted()
	diag.RecordTriggerAccepted()
	diag.RecordTriggerDropped()

	snap := diag.Snapshot()
	require.EqualValues(t, 2, snap.TriggersAccepted)
	require.EqualValues(t, 1, snap.TriggersDropped)
}

func TestRaiseAlertsStampRaisedAtFromInjectedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := capability.NewFakeClock(start)
	diag := diagnostics.New(1, 0, 0, 0, 0, io.Discard, clock)

	alerts, cancel := diag.Subscribe()
	defer cancel()

	clock.Advance(5 * time.Second)
	diag.RaiseSlowCycle(500, 300)

	select {
	case a := <-alerts:
		require.Equal(t, diagnostics.AlertSlowCycle, a.Kind)
		require.Equal(t, start.Add(5*time.Second), a.RaisedAt)
	case <-time.After(time.Second):
		t.Fatal("expected a SLOW_CYCLE alert")
	}
}
