package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/store"
	"github.com/fenwick-vision/inspectord/pkg/tool"
)

// programsListResponse is the GET /api/programs envelope.
type programsListResponse struct {
	Programs []store.ProgramSummary `json:"programs"`
}

// validationResponse carries per-field errors for a rejected create/
// update.
type validationResponse struct {
	Errors []fieldError `json:"errors"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		summaries, err := s.st.List()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, programsListResponse{Programs: summaries})
	case http.MethodPost:
		s.handleCreateProgram(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateProgram(w http.ResponseWriter, r *http.Request) {
	var p store.Program
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: []fieldError{{Field: "body", Message: err.Error()}}})
		return
	}
	if errs := validateProgram(p); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: errs})
		return
	}

	created, err := s.st.Create(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// validateProgram applies VALIDATION-class checks surfaced at the API
// boundary, never reaching the engine.
func validateProgram(p store.Program) []fieldError {
	var errs []fieldError
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, fieldError{Field: "name", Message: "must not be empty"})
	}
	if p.CaptureSettings.Width <= 0 || p.CaptureSettings.Height <= 0 {
		errs = append(errs, fieldError{Field: "capture_settings", Message: "width and height must be positive"})
	}
	switch p.Trigger.Kind {
	case store.TriggerInternal, store.TriggerExternal, store.TriggerManual:
	default:
		errs = append(errs, fieldError{Field: "trigger.kind", Message: "must be internal, external, or manual"})
	}
	if p.Trigger.Kind == store.TriggerInternal && (p.Trigger.PeriodMs < 1 || p.Trigger.PeriodMs > 10000) {
		errs = append(errs, fieldError{Field: "trigger.period_ms", Message: "must be in [1, 10000] for internal trigger"})
	}
	if p.Trigger.Kind == store.TriggerExternal && (p.Trigger.DebounceMs < 0 || p.Trigger.DebounceMs > 1000) {
		errs = append(errs, fieldError{Field: "trigger.debounce_ms", Message: "must be in [0, 1000] for external trigger"})
	}
	if len(p.Tools) > 16 {
		errs = append(errs, fieldError{Field: "tools", Message: "must contain at most 16 tools"})
	}

	positionAdjustCount := 0
	for i, tc := range p.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if tc.Kind == string(tool.KindPositionAdjust) {
			positionAdjustCount++
		}
		if tc.ROI.W < 8 || tc.ROI.H < 8 {
			errs = append(errs, fieldError{Field: field + ".roi", Message: "width and height must be at least 8"})
		}
		if tc.ROI.X < 0 || tc.ROI.Y < 0 ||
			tc.ROI.X+tc.ROI.W > p.CaptureSettings.Width || tc.ROI.Y+tc.ROI.H > p.CaptureSettings.Height {
			errs = append(errs, fieldError{Field: field + ".roi", Message: "must lie fully within capture_settings.resolution"})
		}
		if tc.Threshold < 0 || tc.Threshold > 100 {
			errs = append(errs, fieldError{Field: field + ".threshold", Message: "must be in [0, 100]"})
		}
		if tc.UpperLimit != nil && (*tc.UpperLimit < tc.Threshold || *tc.UpperLimit > 200) {
			errs = append(errs, fieldError{Field: field + ".upper_limit", Message: "must be in [threshold, 200]"})
		}
	}
	if positionAdjustCount > 1 {
		errs = append(errs, fieldError{Field: "tools", Message: "at most one position_adjust tool is allowed"})
	}

	for lineName := range p.Outputs {
		if !isBoundableLine(lineName) {
			errs = append(errs, fieldError{Field: "outputs." + lineName, Message: "must be one of OUT4..OUT8"})
		}
	}
	return errs
}

// handleProgramSubroutes dispatches /api/programs/{id}[/...] requests.
func (s *Server) handleProgramSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/programs/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		s.handleProgramByID(w, r, id)
		return
	}

	switch parts[1] {
	case "master-image":
		s.handleMasterImageUpload(w, r, id)
	case "results":
		s.handleRecentResults(w, r, id)
	default:
		http.Error(w, "unknown program subroute", http.StatusNotFound)
	}
}

func (s *Server) handleProgramByID(w http.ResponseWriter, r *http.Request, id int) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.st.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var p store.Program
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, validationResponse{Errors: []fieldError{{Field: "body", Message: err.Error()}}})
			return
		}
		if errs := validateProgram(p); len(errs) > 0 {
			writeJSON(w, http.StatusBadRequest, validationResponse{Errors: errs})
			return
		}
		p.ID = id
		updated, err := s.st.Update(id, p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.st.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMasterImageUpload(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := readMasterImageBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: []fieldError{{Field: "body", Message: err.Error()}}})
		return
	}

	metrics, err := s.st.WriteMaster(id, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// readMasterImageBody accepts either a raw image body or a multipart
// form carrying a single file field named "master".
func readMasterImageBody(r *http.Request) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("master")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func (s *Server) handleRecentResults(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	recent, err := s.sink.Recent(id, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": recent})
}

// handleTriggerManual is the curl-friendly alias for the WebSocket
// trigger_manual op: POST /api/trigger/{id}.
func (s *Server) handleTriggerManual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/trigger/")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}
	if err := s.runtime.TriggerManual(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type ioWriteRequest struct {
	Line  string `json:"line"`
	Value bool   `json:"value"`
}

// isBoundableLine reports whether line is one of the five operator-
// configurable digital outputs. OUT1..OUT3 are fixed wiring (BUSY,
// OK-pulse, NG-pulse) and may never be written directly.
func isBoundableLine(line string) bool {
	switch capability.Line(line) {
	case capability.Out4, capability.Out5, capability.Out6, capability.Out7, capability.Out8:
		return true
	default:
		return false
	}
}

func (s *Server) handleIOWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ioWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: []fieldError{{Field: "body", Message: err.Error()}}})
		return
	}
	if !isBoundableLine(req.Line) {
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: []fieldError{{Field: "line", Message: "must be one of OUT4..OUT8"}}})
		return
	}
	if _, _, ok := s.runtime.ActiveState(); ok {
		writeError(w, apperr.New(apperr.CodeConflict, "digital I/O cannot be written while a program is running"))
		return
	}
	if err := s.runtime.io.Write(capability.Line(req.Line), req.Value); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeIOUnhealthy, "digital output write failed", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Camera  healthStatus `json:"camera"`
	IO      healthStatus `json:"io"`
	Store   healthStatus `json:"store"`
	Overall healthStatus `json:"overall"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	camera, ioStatus, storeStatus, overall := s.runtime.Health()
	writeJSON(w, http.StatusOK, healthResponse{Camera: camera, IO: ioStatus, Store: storeStatus, Overall: overall})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"code": string(errorCode(err)), "message": err.Error()})
}
