package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
)

// Create inserts a new program and returns it with its assigned ID.
func (s *Store) Create(p Program) (Program, error) {
	triggerJSON, err := json.Marshal(p.Trigger)
	if err != nil {
		return Program{}, fmt.Errorf("marshal trigger: %w", err)
	}
	captureJSON, err := json.Marshal(p.CaptureSettings)
	if err != nil {
		return Program{}, fmt.Errorf("marshal capture settings: %w", err)
	}
	outputsJSON, err := json.Marshal(p.Outputs)
	if err != nil {
		return Program{}, fmt.Errorf("marshal outputs: %w", err)
	}
	if p.OutputPulseMs <= 0 {
		p.OutputPulseMs = 300
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "begin create", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO programs (name, trigger_json, capture_settings_json, outputs_json, output_pulse_ms, master_image_ref)
		 VALUES (?, ?, ?, ?, ?, '')`,
		p.Name, string(triggerJSON), string(captureJSON), string(outputsJSON), p.OutputPulseMs,
	)
	if err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "insert program", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "read program id", err)
	}
	programID := int(id64)

	if _, err := tx.Exec(`INSERT INTO statistics (program_id, total, ok, ng) VALUES (?, 0, 0, 0)`, programID); err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "insert statistics row", err)
	}

	for i, tc := range p.Tools {
		if err := insertToolConfig(tx, programID, i, tc); err != nil {
			return Program{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "commit create", err)
	}

	p.ID = programID
	return s.Get(programID)
}

func insertToolConfig(tx *sql.Tx, programID, position int, tc ToolConfig) error {
	roiJSON, err := json.Marshal(tc.ROI)
	if err != nil {
		return fmt.Errorf("marshal roi: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO tool_configs (id, program_id, position, kind, roi_json, threshold, upper_limit, params_json, master_features_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, programID, position, tc.Kind, string(roiJSON), tc.Threshold, tc.UpperLimit,
		nullableRaw(tc.Params), nullableRaw(tc.MasterFeatures),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "insert tool_config", err)
	}
	return nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Get loads a program by ID, or returns a CodeNotFound error.
func (s *Store) Get(programID int) (Program, error) {
	lock := s.lockFor(programID)
	lock.RLock()
	defer lock.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, name, trigger_json, capture_settings_json, outputs_json, output_pulse_ms, master_image_ref
		 FROM programs WHERE id = ?`, programID,
	)

	var p Program
	var triggerJSON, captureJSON, outputsJSON string
	if err := row.Scan(&p.ID, &p.Name, &triggerJSON, &captureJSON, &outputsJSON, &p.OutputPulseMs, &p.MasterImageRef); err != nil {
		if err == sql.ErrNoRows {
			return Program{}, apperr.New(apperr.CodeNotFound, fmt.Sprintf("program %d not found", programID))
		}
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "query program", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &p.Trigger); err != nil {
		return Program{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(captureJSON), &p.CaptureSettings); err != nil {
		return Program{}, fmt.Errorf("unmarshal capture settings: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &p.Outputs); err != nil {
		return Program{}, fmt.Errorf("unmarshal outputs: %w", err)
	}

	tools, err := s.loadToolConfigs(programID)
	if err != nil {
		return Program{}, err
	}
	p.Tools = tools

	stats, err := s.loadStatistics(programID)
	if err != nil {
		return Program{}, err
	}
	p.Statistics = stats

	return p, nil
}

func (s *Store) loadToolConfigs(programID int) ([]ToolConfig, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, roi_json, threshold, upper_limit, params_json, master_features_json
		 FROM tool_configs WHERE program_id = ? ORDER BY position ASC`, programID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "query tool_configs", err)
	}
	defer rows.Close()

	var tools []ToolConfig
	for rows.Next() {
		var tc ToolConfig
		var roiJSON string
		var upperLimit sql.NullFloat64
		var paramsJSON, featuresJSON sql.NullString
		if err := rows.Scan(&tc.ID, &tc.Kind, &roiJSON, &tc.Threshold, &upperLimit, &paramsJSON, &featuresJSON); err != nil {
			return nil, apperr.Wrap(apperr.CodePersistenceFailure, "scan tool_config", err)
		}
		if err := json.Unmarshal([]byte(roiJSON), &tc.ROI); err != nil {
			return nil, fmt.Errorf("unmarshal roi: %w", err)
		}
		if upperLimit.Valid {
			v := upperLimit.Float64
			tc.UpperLimit = &v
		}
		if paramsJSON.Valid {
			tc.Params = json.RawMessage(paramsJSON.String)
		}
		if featuresJSON.Valid {
			tc.MasterFeatures = json.RawMessage(featuresJSON.String)
		}
		tools = append(tools, tc)
	}
	return tools, rows.Err()
}

func (s *Store) loadStatistics(programID int) (Statistics, error) {
	row := s.db.QueryRow(`SELECT total, ok, ng, last_run_at FROM statistics WHERE program_id = ?`, programID)
	var stats Statistics
	var lastRun sql.NullString
	if err := row.Scan(&stats.Total, &stats.OK, &stats.NG, &lastRun); err != nil {
		if err == sql.ErrNoRows {
			return Statistics{}, nil
		}
		return Statistics{}, apperr.Wrap(apperr.CodePersistenceFailure, "query statistics", err)
	}
	if lastRun.Valid {
		t, err := parseTimestamp(lastRun.String)
		if err == nil {
			stats.LastRunAt = &t
		}
	}
	return stats, nil
}

// List returns the summary projection of every program.
func (s *Store) List() ([]ProgramSummary, error) {
	rows, err := s.db.Query(
		`SELECT p.id, p.name, p.trigger_json,
		        (SELECT COUNT(*) FROM tool_configs t WHERE t.program_id = p.id),
		        s.total, s.ok, s.ng, s.last_run_at
		 FROM programs p
		 LEFT JOIN statistics s ON s.program_id = p.id
		 ORDER BY p.id ASC`,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "query programs list", err)
	}
	defer rows.Close()

	var out []ProgramSummary
	for rows.Next() {
		var summary ProgramSummary
		var triggerJSON string
		var total, ok, ng sql.NullInt64
		var lastRun sql.NullString
		if err := rows.Scan(&summary.ID, &summary.Name, &triggerJSON, &summary.ToolCount, &total, &ok, &ng, &lastRun); err != nil {
			return nil, apperr.Wrap(apperr.CodePersistenceFailure, "scan program summary", err)
		}
		var trigger TriggerConfig
		if err := json.Unmarshal([]byte(triggerJSON), &trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
		summary.TriggerKind = trigger.Kind
		summary.Statistics = Statistics{Total: int(total.Int64), OK: int(ok.Int64), NG: int(ng.Int64)}
		if lastRun.Valid {
			t, err := parseTimestamp(lastRun.String)
			if err == nil {
				summary.Statistics.LastRunAt = &t
			}
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// Update replaces a program's configuration. Rejected while the
// program is running.
func (s *Store) Update(programID int, p Program) (Program, error) {
	if err := s.rejectIfRunning(programID); err != nil {
		return Program{}, err
	}
	lock := s.lockFor(programID)
	lock.Lock()
	defer lock.Unlock()

	triggerJSON, err := json.Marshal(p.Trigger)
	if err != nil {
		return Program{}, fmt.Errorf("marshal trigger: %w", err)
	}
	captureJSON, err := json.Marshal(p.CaptureSettings)
	if err != nil {
		return Program{}, fmt.Errorf("marshal capture settings: %w", err)
	}
	outputsJSON, err := json.Marshal(p.Outputs)
	if err != nil {
		return Program{}, fmt.Errorf("marshal outputs: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "begin update", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE programs SET name=?, trigger_json=?, capture_settings_json=?, outputs_json=?, output_pulse_ms=? WHERE id=?`,
		p.Name, string(triggerJSON), string(captureJSON), string(outputsJSON), p.OutputPulseMs, programID,
	)
	if err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "update program", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Program{}, apperr.New(apperr.CodeNotFound, fmt.Sprintf("program %d not found", programID))
	}

	if _, err := tx.Exec(`DELETE FROM tool_configs WHERE program_id = ?`, programID); err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "clear tool_configs", err)
	}
	for i, tc := range p.Tools {
		if err := insertToolConfig(tx, programID, i, tc); err != nil {
			return Program{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Program{}, apperr.Wrap(apperr.CodePersistenceFailure, "commit update", err)
	}
	return s.Get(programID)
}

// Delete removes a program, its tool configs, cycle results, and its
// master image file. Rejected while the program is running.
func (s *Store) Delete(programID int) error {
	if err := s.rejectIfRunning(programID); err != nil {
		return err
	}
	lock := s.lockFor(programID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.removeMasterFile(programID); err != nil {
		return err
	}

	res, err := s.db.Exec(`DELETE FROM programs WHERE id = ?`, programID)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "delete program", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("program %d not found", programID))
	}
	s.programLocks.Delete(programID)
	return nil
}

// UpdateToolMasterFeatures persists the re-armed master features for
// one tool without touching the rest of the program.
func (s *Store) UpdateToolMasterFeatures(programID, toolID int, features json.RawMessage) error {
	_, err := s.db.Exec(
		`UPDATE tool_configs SET master_features_json = ? WHERE program_id = ? AND id = ?`,
		nullableRaw(features), programID, toolID,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "update master features", err)
	}
	return nil
}
