// Package diagnostics implements the rolling per-tool matching-rate
// window, degradation detection, first-cycle quality checks, and the
// counters that back the system-health surface. Alerts are published
// two ways: a live subscription channel (a broadcast idiom consumed
// by pkg/api) and a durable rs/zerolog audit log distinct from the
// operational slog stream, so an auditor can replay exactly what
// warnings fired without wading through per-cycle debug noise.
package diagnostics

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
	"golang.org/x/time/rate"

	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

// AlertKind identifies one of the diagnostic event kinds named in §7.
type AlertKind string

const (
	AlertDegradation     AlertKind = "DEGRADATION"
	AlertQualityWarning  AlertKind = "QUALITY_WARNING"
	AlertSlowCycle       AlertKind = "SLOW_CYCLE"
	AlertCameraUnhealthy AlertKind = "CAMERA_UNHEALTHY"
	AlertIOUnhealthy     AlertKind = "IO_UNHEALTHY"
)

// Alert is the wire/storage shape of a diagnostic event.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	ProgramID int       `json:"program_id"`
	ToolID    int       `json:"tool_id,omitempty"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Counters are the running totals exposed by the health surface.
type Counters struct {
	TriggersAccepted int64
	TriggersDropped  int64
	CyclesSucceeded  int64
	CyclesFailed     int64
	PerToolErrors    map[int]int64
}

type toolWindow struct {
	rates []float64 // ring buffer, oldest overwritten first
	pos   int
	full  bool
}

func newToolWindow(size int) *toolWindow {
	return &toolWindow{rates: make([]float64, size)}
}

func (w *toolWindow) add(rate float64) {
	w.rates[w.pos] = rate
	w.pos = (w.pos + 1) % len(w.rates)
	if w.pos == 0 {
		w.full = true
	}
}

func (w *toolWindow) values() []float64 {
	if !w.full {
		return append([]float64(nil), w.rates[:w.pos]...)
	}
	out := make([]float64, 0, len(w.rates))
	out = append(out, w.rates[w.pos:]...)
	out = append(out, w.rates[:w.pos]...)
	return out
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// Diagnostics tracks one program's rolling quality signals and
// counters.
type Diagnostics struct {
	programID  int
	windowSize int
	recentSize int
	dropPoints float64
	clock      capability.Clock

	mu       sync.Mutex
	windows  map[int]*toolWindow // toolID -> rolling rate window
	counters Counters

	firstCycleChecked bool

	limiterMu sync.Mutex
	limiters  map[int]*rate.Limiter // toolID -> degradation dedup limiter
	cooldown  time.Duration

	subMu       sync.Mutex
	subscribers map[int]chan Alert
	nextSubID   int

	audit zerolog.Logger
}

// New constructs a Diagnostics tracker for one program. auditWriter
// receives the durable Alert audit trail, separate from the
// operational log. clock stamps every Alert's RaisedAt and is
// injectable (§4.1: "Injectable so that the trigger controller and
// diagnostics are testable") so tests can control alert timestamps
// and cooldown windows deterministically; nil defaults to the real
// wall clock.
func New(programID, windowSize, recentSize int, dropPoints float64, cooldown time.Duration, auditWriter io.Writer, clock capability.Clock) *Diagnostics {
	if windowSize <= 0 {
		windowSize = 100
	}
	if recentSize <= 0 || recentSize > windowSize {
		recentSize = 20
	}
	if dropPoints <= 0 {
		dropPoints = 5.0
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if clock == nil {
		clock = capability.NewSystemClock()
	}
	return &Diagnostics{
		programID:   programID,
		windowSize:  windowSize,
		recentSize:  recentSize,
		dropPoints:  dropPoints,
		clock:       clock,
		windows:     make(map[int]*toolWindow),
		counters:    Counters{PerToolErrors: make(map[int]int64)},
		limiters:    make(map[int]*rate.Limiter),
		cooldown:    cooldown,
		subscribers: make(map[int]chan Alert),
		audit:       zerolog.New(auditWriter).With().Timestamp().Int("program_id", programID).Logger(),
	}
}

// PerCycle updates the rolling window and counters from a completed
// cycle result, then checks for degradation on every tool it saw.
func (d *Diagnostics) PerCycle(result store.CycleResult) {
	d.mu.Lock()
	if result.Overall == "OK" {
		d.counters.CyclesSucceeded++
	} else {
		d.counters.CyclesFailed++
	}
	for _, tr := range result.ToolResults {
		w, ok := d.windows[tr.ToolID]
		if !ok {
			w = newToolWindow(d.windowSize)
			d.windows[tr.ToolID] = w
		}
		w.add(tr.Rate)
		if tr.Status == "ERROR" {
			d.counters.PerToolErrors[tr.ToolID]++
		}
	}
	d.mu.Unlock()

	for _, tr := range result.ToolResults {
		d.detectDegradation(tr.ToolID)
	}
}

// detectDegradation emits a DEGRADATION alert for toolID if its most
// recent window is significantly below the full-window mean, subject
// to a per-tool cooldown.
func (d *Diagnostics) detectDegradation(toolID int) {
	d.mu.Lock()
	w, ok := d.windows[toolID]
	if !ok {
		d.mu.Unlock()
		return
	}
	values := w.values()
	d.mu.Unlock()

	if len(values) < d.recentSize {
		return
	}
	windowMean := mean(values)
	recent := values[len(values)-d.recentSize:]
	recentMean := mean(recent)

	if windowMean-recentMean <= d.dropPoints {
		return
	}
	if !d.degradationAllowed(toolID) {
		return
	}

	d.emit(Alert{
		Kind:      AlertDegradation,
		ProgramID: d.programID,
		ToolID:    toolID,
		Message:   "matching rate degradation detected",
		Detail:    "recent mean is below the rolling window mean by more than the configured threshold",
	})
}

func (d *Diagnostics) degradationAllowed(toolID int) bool {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[toolID]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.cooldown), 1)
		d.limiters[toolID] = l
	}
	return l.Allow()
}

// FirstCycleQuality runs the consistency check between the master and
// the first captured frame of a run, emitting QUALITY_WARNING alerts
// for any issue found. It is a no-op on subsequent calls for the same
// Diagnostics instance.
func (d *Diagnostics) FirstCycleQuality(master, captured gocv.Mat) {
	d.mu.Lock()
	if d.firstCycleChecked {
		d.mu.Unlock()
		return
	}
	d.firstCycleChecked = true
	d.mu.Unlock()

	result := imaging.ConsistencyCheck(master, captured)
	for _, issue := range result.Issues {
		d.emit(Alert{Kind: AlertQualityWarning, ProgramID: d.programID, Message: issue})
	}
	for _, warning := range result.Warnings {
		d.emit(Alert{Kind: AlertQualityWarning, ProgramID: d.programID, Message: warning})
	}
}

// RecordTriggerAccepted increments the accepted-trigger counter.
func (d *Diagnostics) RecordTriggerAccepted() {
	d.mu.Lock()
	d.counters.TriggersAccepted++
	d.mu.Unlock()
}

// RecordTriggerDropped increments the dropped-trigger counter.
func (d *Diagnostics) RecordTriggerDropped() {
	d.mu.Lock()
	d.counters.TriggersDropped++
	d.mu.Unlock()
}

// RaiseSlowCycle emits a SLOW_CYCLE alert.
func (d *Diagnostics) RaiseSlowCycle(actualMs, deadlineMs float64) {
	d.emit(Alert{
		Kind:      AlertSlowCycle,
		ProgramID: d.programID,
		Message:   "cycle exceeded soft deadline",
		Detail:    formatSlowCycleDetail(actualMs, deadlineMs),
	})
}

// RaiseCameraUnhealthy emits a CAMERA_UNHEALTHY alert.
func (d *Diagnostics) RaiseCameraUnhealthy(detail string) {
	d.emit(Alert{Kind: AlertCameraUnhealthy, ProgramID: d.programID, Message: "camera reported repeated capture failures", Detail: detail})
}

// RaiseIOUnhealthy emits an IO_UNHEALTHY alert.
func (d *Diagnostics) RaiseIOUnhealthy(detail string) {
	d.emit(Alert{Kind: AlertIOUnhealthy, ProgramID: d.programID, Message: "digital output write failed", Detail: detail})
}

// Snapshot returns a copy of the current counters.
func (d *Diagnostics) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	perTool := make(map[int]int64, len(d.counters.PerToolErrors))
	for k, v := range d.counters.PerToolErrors {
		perTool[k] = v
	}
	c := d.counters
	c.PerToolErrors = perTool
	return c
}

// Subscribe registers a listener for this program's alerts.
func (d *Diagnostics) Subscribe() (<-chan Alert, func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	id := d.nextSubID
	d.nextSubID++
	ch := make(chan Alert, 16)
	d.subscribers[id] = ch

	cancel := func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if c, ok := d.subscribers[id]; ok {
			delete(d.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (d *Diagnostics) emit(a Alert) {
	a.RaisedAt = d.clock.Now()

	d.audit.Info().
		Str("kind", string(a.Kind)).
		Int("tool_id", a.ToolID).
		Str("message", a.Message).
		Str("detail", a.Detail).
		Msg("alert")

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subscribers {
		select {
		case ch <- a:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- a:
			default:
			}
		}
	}
}

func formatSlowCycleDetail(actualMs, deadlineMs float64) string {
	return "processing_time_ms=" + trimFloat(actualMs) + " deadline_ms=" + trimFloat(deadlineMs)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
