package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-vision/inspectord/pkg/api"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/config"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

type harness struct {
	srv *httptest.Server
	cam *capability.SimulatedCamera
	st  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "inspectord.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cam := capability.NewSimulatedCamera()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	ioDev := capability.NewSimulatedIO(log)
	clock := capability.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := resultsink.New(st)

	runtime := api.NewRuntime(cam, ioDev, clock, st, sink, config.DiagnosticsConfig{
		WindowSize: 10, RecentSize: 5, DropPoints: 5, AlertCooldown: time.Minute,
	}, log)

	apiServer := api.NewServer(st, sink, runtime, log)

	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, cam: cam, st: st}
}

func createProgram(t *testing.T, h *harness) store.Program {
	t.Helper()
	body := store.Program{
		Name:            "test-program",
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: 64, Height: 64},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 24, Y: 24, W: 16, H: 16}, Threshold: 90},
		},
		Outputs:       map[string]store.OutputMode{},
		OutputPulseMs: 10,
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created store.Program
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

func uploadMaster(t *testing.T, h *harness, programID int) {
	t.Helper()
	raw, _, err := h.cam.Capture(context.Background(), capability.CaptureSettings{Resolution: capability.Resolution{Width: 64, Height: 64}})
	require.NoError(t, err)
	defer raw.Close()
	encoded, err := imaging.EncodeLossless(raw)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs/"+strconv.Itoa(programID)+"/master-image", "application/octet-stream", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProgramsCRUD(t *testing.T) {
	h := newHarness(t)
	created := createProgram(t, h)
	require.NotZero(t, created.ID)

	resp, err := http.Get(h.srv.URL + "/api/programs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Programs []store.ProgramSummary `json:"programs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Programs, 1)

	getResp, err := http.Get(h.srv.URL + "/api/programs/" + strconv.Itoa(created.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/programs/"+strconv.Itoa(created.ID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestCreateProgramValidationRejected(t *testing.T) {
	h := newHarness(t)
	body := store.Program{Name: ""}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateProgramRejectsUndersizedROI(t *testing.T) {
	h := newHarness(t)
	body := store.Program{
		Name:            "undersized-roi",
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: 64, Height: 64},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 56, Y: 56, W: 9, H: 8}, Threshold: 90},
		},
		Outputs: map[string]store.OutputMode{},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateProgramRejectsROIOutsideResolution(t *testing.T) {
	h := newHarness(t)
	body := store.Program{
		Name:            "out-of-bounds-roi",
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: 64, Height: 64},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 60, Y: 60, W: 16, H: 16}, Threshold: 90},
		},
		Outputs: map[string]store.OutputMode{},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateProgramRejectsMultiplePositionAdjustTools(t *testing.T) {
	h := newHarness(t)
	body := store.Program{
		Name:            "dup-position-adjust",
		Trigger:         store.TriggerConfig{Kind: store.TriggerManual},
		CaptureSettings: store.CaptureSettings{Width: 64, Height: 64},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "position_adjust", ROI: store.ROI{X: 0, Y: 0, W: 64, H: 64}, Threshold: 70},
			{ID: 2, Kind: "position_adjust", ROI: store.ROI{X: 0, Y: 0, W: 32, H: 32}, Threshold: 70},
		},
		Outputs: map[string]store.OutputMode{},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/api/programs", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMasterImageUpload(t *testing.T) {
	h := newHarness(t)
	created := createProgram(t, h)
	uploadMaster(t, h, created.ID)
}

func TestHealthEndpointIdle(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Camera, IO, Store, Overall string
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Overall)
}

func TestIOWriteRejectsUnboundLine(t *testing.T) {
	h := newHarness(t)
	raw, _ := json.Marshal(map[string]any{"line": "OUT2", "value": true})
	resp, err := http.Post(h.srv.URL+"/api/io/write", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIOWriteAllowedWhileIdle(t *testing.T) {
	h := newHarness(t)
	raw, _ := json.Marshal(map[string]any{"line": "OUT4", "value": true})
	resp, err := http.Post(h.srv.URL+"/api/io/write", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPreviewSnapshotWhileIdle(t *testing.T) {
	h := newHarness(t)
	created := createProgram(t, h)

	resp, err := http.Get(h.srv.URL + "/api/preview?program_id=" + strconv.Itoa(created.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frame, err := imaging.Decode(body)
	require.NoError(t, err)
	defer frame.Close()
	require.Equal(t, 64, frame.Cols())
	require.Equal(t, 64, frame.Rows())
}

func TestPreviewSnapshotRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	created := createProgram(t, h)
	uploadMaster(t, h, created.ID)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "start", "program_id": created.ID}))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "state", frame["type"])

	resp, err := http.Get(h.srv.URL + "/api/preview?program_id=" + strconv.Itoa(created.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "stop", "program_id": created.ID}))
}

func TestPreviewStreamUnsupportedOnSimulatedBackend(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/preview/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Contains(t, string(msg), "VALIDATION")
}

func TestWebSocketStartTriggerManualProducesCycleResult(t *testing.T) {
	h := newHarness(t)
	created := createProgram(t, h)
	uploadMaster(t, h, created.ID)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "start", "program_id": created.ID}))

	sawRunningState := false
	for i := 0; i < 5 && !sawRunningState; i++ {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["type"] == "state" && frame["state"] == "RUNNING" {
			sawRunningState = true
		}
	}
	require.True(t, sawRunningState)

	triggerResp, err := http.Post(h.srv.URL+"/api/trigger/"+strconv.Itoa(created.ID), "application/json", nil)
	require.NoError(t, err)
	defer triggerResp.Body.Close()
	require.Equal(t, http.StatusAccepted, triggerResp.StatusCode)

	sawCycleResult := false
	for i := 0; i < 10 && !sawCycleResult; i++ {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["type"] == "cycle_result" {
			sawCycleResult = true
			require.Equal(t, "OK", frame["overall"])
		}
	}
	require.True(t, sawCycleResult)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "stop", "program_id": created.ID}))
}
