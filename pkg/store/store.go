// Package store persists programs, tool configurations, master
// images, and cycle results. It backs onto modernc.org/sqlite, a
// pure-Go, cgo-free SQLite driver, so the appliance binary stays a
// single static executable.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
)

// TriggerKind identifies how a program's cycles are initiated.
type TriggerKind string

const (
	TriggerInternal TriggerKind = "internal"
	TriggerExternal TriggerKind = "external"
	TriggerManual   TriggerKind = "manual"
)

// TriggerConfig holds the kind-specific trigger parameters.
type TriggerConfig struct {
	Kind       TriggerKind `json:"kind"`
	PeriodMs   int         `json:"period_ms,omitempty"`
	DebounceMs int         `json:"debounce_ms,omitempty"`
}

// CaptureSettings mirrors pkg/capability.CaptureSettings in the
// persisted representation so the store has no dependency on the
// capability package.
type CaptureSettings struct {
	BrightnessMode string `json:"brightness_mode"`
	Focus          int    `json:"focus"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// OutputMode is the behavior of one of OUT4..OUT8.
type OutputMode string

const (
	OutputOKLevel   OutputMode = "OK_level"
	OutputNGLevel   OutputMode = "NG_level"
	OutputAlwaysOn  OutputMode = "ALWAYS_ON"
	OutputAlwaysOff OutputMode = "ALWAYS_OFF"
	OutputUnused    OutputMode = "UNUSED"
)

// ToolConfig is one tool's configuration row, stable within a
// program.
type ToolConfig struct {
	ID             int             `json:"id"`
	Kind           string          `json:"kind"`
	ROI            ROI             `json:"roi"`
	Threshold      float64         `json:"threshold"`
	UpperLimit     *float64        `json:"upper_limit,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	MasterFeatures json.RawMessage `json:"master_features,omitempty"`
}

// ROI is the persisted region-of-interest rectangle.
type ROI struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Statistics is the derived/cached per-program run summary.
type Statistics struct {
	Total     int        `json:"total"`
	OK        int        `json:"ok"`
	NG        int        `json:"ng"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Program is the full recipe for one inspection.
type Program struct {
	ID              int                   `json:"id"`
	Name            string                `json:"name"`
	Trigger         TriggerConfig         `json:"trigger"`
	CaptureSettings CaptureSettings       `json:"capture_settings"`
	Tools           []ToolConfig          `json:"tools"`
	Outputs         map[string]OutputMode `json:"outputs"`
	MasterImageRef  string                `json:"master_image_ref,omitempty"`
	Statistics      Statistics            `json:"statistics"`
	OutputPulseMs   int                   `json:"output_pulse_ms"`
}

// ProgramSummary is the list-view projection for GET /api/programs.
type ProgramSummary struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	ToolCount   int         `json:"tool_count"`
	Statistics  Statistics  `json:"statistics"`
}

// ToolResult is one tool's verdict within a CycleResult.
type ToolResult struct {
	ToolID     int             `json:"tool_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Rate       float64         `json:"rate"`
	Threshold  float64         `json:"threshold"`
	UpperLimit *float64        `json:"upper_limit,omitempty"`
	Aux        json.RawMessage `json:"aux,omitempty"`
}

// CycleResult is one atomic capture-evaluate-actuate-log pass.
// CycleSeq restarts at 1 for every run session; RunSession increases
// across starts of the same program so persisted rows never collide.
type CycleResult struct {
	ProgramID        int                `json:"program_id"`
	RunSession       int64              `json:"run_session"`
	CycleSeq         int64              `json:"cycle_seq"`
	Timestamp        time.Time          `json:"timestamp"`
	TriggerSource    TriggerKind        `json:"trigger_source"`
	Overall          string             `json:"overall"`
	ToolResults      []ToolResult       `json:"tool_results"`
	ProcessingTimeMs float64            `json:"processing_time_ms"`
	PerStageMs       map[string]float64 `json:"per_stage_ms"`
	Aux              json.RawMessage    `json:"aux,omitempty"`
}

// runningGuard tracks which programs currently have an active run, so
// mutation (update/delete/write_master) can be rejected per §5's
// single-writer/multi-reader discipline.
type runningGuard struct {
	mu      sync.Mutex
	running map[int]bool
}

func newRunningGuard() *runningGuard {
	return &runningGuard{running: make(map[int]bool)}
}

func (g *runningGuard) set(programID int, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if running {
		g.running[programID] = true
	} else {
		delete(g.running, programID)
	}
}

func (g *runningGuard) isRunning(programID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[programID]
}

// Store is the program/master-image/cycle-result persistence layer.
type Store struct {
	db           *sql.DB
	masterDir    string
	guard        *runningGuard
	programLocks sync.Map // programID -> *sync.RWMutex
}

// Open creates (if needed) the schema at dbPath and returns a Store
// whose master images live under masterDir.
func Open(dbPath, masterDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline at the driver level too

	s := &Store{db: db, masterDir: masterDir, guard: newRunningGuard()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS programs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			trigger_json TEXT NOT NULL,
			capture_settings_json TEXT NOT NULL,
			outputs_json TEXT NOT NULL,
			output_pulse_ms INTEGER NOT NULL DEFAULT 300,
			master_image_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tool_configs (
			id INTEGER NOT NULL,
			program_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			roi_json TEXT NOT NULL,
			threshold REAL NOT NULL,
			upper_limit REAL,
			params_json TEXT,
			master_features_json TEXT,
			PRIMARY KEY (program_id, id),
			FOREIGN KEY (program_id) REFERENCES programs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			program_id INTEGER PRIMARY KEY,
			total INTEGER NOT NULL DEFAULT 0,
			ok INTEGER NOT NULL DEFAULT 0,
			ng INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			FOREIGN KEY (program_id) REFERENCES programs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS cycle_results (
			program_id INTEGER NOT NULL,
			run_session INTEGER NOT NULL,
			cycle_seq INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			overall TEXT NOT NULL,
			tool_results_json TEXT NOT NULL,
			processing_time_ms REAL NOT NULL,
			per_stage_ms_json TEXT NOT NULL,
			aux_json TEXT,
			PRIMARY KEY (program_id, run_session, cycle_seq),
			FOREIGN KEY (program_id) REFERENCES programs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_results_recent ON cycle_results(program_id, run_session DESC, cycle_seq DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) lockFor(programID int) *sync.RWMutex {
	v, _ := s.programLocks.LoadOrStore(programID, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

// SetRunning marks a program as running/not-running for the mutation
// guard. The trigger controller calls this on ARMING/IDLE transitions.
func (s *Store) SetRunning(programID int, running bool) {
	s.guard.set(programID, running)
}

func (s *Store) rejectIfRunning(programID int) error {
	if s.guard.isRunning(programID) {
		return apperr.New(apperr.CodeConflict, fmt.Sprintf("program %d is running", programID))
	}
	return nil
}
