package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "inspectord.db"), filepath.Join(dir, "masters"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := store.Program{
		Name:    "widget-front",
		Trigger: store.TriggerConfig{Kind: store.TriggerInternal, PeriodMs: 500},
		CaptureSettings: store.CaptureSettings{
			BrightnessMode: "normal", Focus: 50, Width: 640, Height: 480,
		},
		Tools: []store.ToolConfig{
			{ID: 1, Kind: "area", ROI: store.ROI{X: 10, Y: 10, W: 32, H: 32}, Threshold: 90},
		},
		Outputs:       map[string]store.OutputMode{"OUT4": store.OutputOKLevel, "OUT5": store.OutputNGLevel},
		OutputPulseMs: 300,
	}

	created, err := s.Create(p)
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Len(t, created.Tools, 1)

	fetched, err := s.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, "widget-front", fetched.Name)
	require.Equal(t, store.TriggerInternal, fetched.Trigger.Kind)
	require.Equal(t, 500, fetched.Trigger.PeriodMs)
	require.Equal(t, store.OutputOKLevel, fetched.Outputs["OUT4"])
}

func TestGetMissingProgramReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(999)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "p1", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	s.SetRunning(created.ID, true)
	_, err = s.Update(created.ID, created)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.CodeConflict))

	s.SetRunning(created.ID, false)
	_, err = s.Update(created.ID, created)
	require.NoError(t, err)
}

func TestDeleteRemovesProgram(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "to-delete", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(created.ID))

	_, err = s.Get(created.ID)
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestAppendResultUpdatesStatistics(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "counter", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	session, err := s.NextRunSession(created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), session)

	err = s.AppendResult(store.CycleResult{
		ProgramID:        created.ID,
		RunSession:       session,
		CycleSeq:         1,
		Timestamp:        time.Now(),
		TriggerSource:    store.TriggerManual,
		Overall:          "OK",
		ToolResults:      []store.ToolResult{{ToolID: 1, Kind: "area", Status: "OK", Rate: 98, Threshold: 90}},
		ProcessingTimeMs: 42.5,
		PerStageMs:       map[string]float64{"capture": 10, "evaluate": 32.5},
	})
	require.NoError(t, err)

	fetched, err := s.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Statistics.Total)
	require.Equal(t, 1, fetched.Statistics.OK)
	require.Equal(t, 0, fetched.Statistics.NG)
	require.NotNil(t, fetched.Statistics.LastRunAt)

	recent, err := s.Recent(created.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "OK", recent[0].Overall)
}

func TestCycleSeqRestartsPerRunSession(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "sessions", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	appendOne := func(session, seq int64) {
		require.NoError(t, s.AppendResult(store.CycleResult{
			ProgramID:     created.ID,
			RunSession:    session,
			CycleSeq:      seq,
			Timestamp:     time.Now(),
			TriggerSource: store.TriggerManual,
			Overall:       "OK",
			ToolResults:   []store.ToolResult{},
			PerStageMs:    map[string]float64{},
		}))
	}

	appendOne(1, 1)
	appendOne(1, 2)

	next, err := s.NextRunSession(created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), next)

	// The second run restarts at cycle_seq 1 without colliding with
	// the first run's rows.
	appendOne(2, 1)

	recent, err := s.Recent(created.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, int64(2), recent[0].RunSession)
	require.Equal(t, int64(1), recent[0].CycleSeq)
}

func TestPruneResultsKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create(store.Program{Name: "pruned", Trigger: store.TriggerConfig{Kind: store.TriggerManual}})
	require.NoError(t, err)

	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, s.AppendResult(store.CycleResult{
			ProgramID:     created.ID,
			RunSession:    1,
			CycleSeq:      seq,
			Timestamp:     time.Now(),
			TriggerSource: store.TriggerManual,
			Overall:       "OK",
			ToolResults:   []store.ToolResult{},
			PerStageMs:    map[string]float64{},
		}))
	}

	require.NoError(t, s.PruneResults(4))

	recent, err := s.Recent(created.ID, 100)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	require.Equal(t, int64(10), recent[0].CycleSeq)
	require.Equal(t, int64(7), recent[3].CycleSeq)
}

func TestListReturnsSummaries(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(store.Program{Name: "a", Trigger: store.TriggerConfig{Kind: store.TriggerInternal}})
	require.NoError(t, err)
	_, err = s.Create(store.Program{Name: "b", Trigger: store.TriggerConfig{Kind: store.TriggerExternal}})
	require.NoError(t, err)

	summaries, err := s.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "a", summaries[0].Name)
	require.Equal(t, "b", summaries[1].Name)
}
