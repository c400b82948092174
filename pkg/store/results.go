package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
)

// AppendResult inserts a cycle result and updates the program's
// rolling statistics in the same transaction, so a reader never
// observes a result without its corresponding counter bump.
func (s *Store) AppendResult(r CycleResult) error {
	toolResultsJSON, err := json.Marshal(r.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool_results: %w", err)
	}
	perStageJSON, err := json.Marshal(r.PerStageMs)
	if err != nil {
		return fmt.Errorf("marshal per_stage_ms: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "begin append_result", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO cycle_results (program_id, run_session, cycle_seq, timestamp, trigger_source, overall, tool_results_json, processing_time_ms, per_stage_ms_json, aux_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ProgramID, r.RunSession, r.CycleSeq, formatTimestamp(r.Timestamp), string(r.TriggerSource), r.Overall,
		string(toolResultsJSON), r.ProcessingTimeMs, string(perStageJSON), nullableRaw(r.Aux),
	)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "insert cycle_result", err)
	}

	okDelta, ngDelta := 0, 0
	if r.Overall == "OK" {
		okDelta = 1
	} else {
		ngDelta = 1
	}
	_, err = tx.Exec(
		`UPDATE statistics SET total = total + 1, ok = ok + ?, ng = ng + ?, last_run_at = ? WHERE program_id = ?`,
		okDelta, ngDelta, formatTimestamp(r.Timestamp), r.ProgramID,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "update statistics", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "commit append_result", err)
	}
	return nil
}

// Recent returns the n most recent cycle results for a program, newest
// first.
func (s *Store) Recent(programID, n int) ([]CycleResult, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Query(
		`SELECT program_id, run_session, cycle_seq, timestamp, trigger_source, overall, tool_results_json, processing_time_ms, per_stage_ms_json, aux_json
		 FROM cycle_results WHERE program_id = ? ORDER BY run_session DESC, cycle_seq DESC LIMIT ?`,
		programID, n,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistenceFailure, "query recent cycle_results", err)
	}
	defer rows.Close()

	var out []CycleResult
	for rows.Next() {
		var r CycleResult
		var ts, triggerSource, toolResultsJSON, perStageJSON string
		var auxJSON sql.NullString
		if err := rows.Scan(&r.ProgramID, &r.RunSession, &r.CycleSeq, &ts, &triggerSource, &r.Overall, &toolResultsJSON, &r.ProcessingTimeMs, &perStageJSON, &auxJSON); err != nil {
			return nil, apperr.Wrap(apperr.CodePersistenceFailure, "scan cycle_result", err)
		}
		if auxJSON.Valid {
			r.Aux = json.RawMessage(auxJSON.String)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("parse cycle_result timestamp: %w", err)
		}
		r.Timestamp = t
		r.TriggerSource = TriggerKind(triggerSource)
		if err := json.Unmarshal([]byte(toolResultsJSON), &r.ToolResults); err != nil {
			return nil, fmt.Errorf("unmarshal tool_results: %w", err)
		}
		if err := json.Unmarshal([]byte(perStageJSON), &r.PerStageMs); err != nil {
			return nil, fmt.Errorf("unmarshal per_stage_ms: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextRunSession returns the run-session identifier for a new run of
// the program: one past the highest session recorded so far. The
// engine calls this at arm time, so cycle_seq restarts at 1 within
// each session without colliding with rows from earlier runs.
func (s *Store) NextRunSession(programID int) (int64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(run_session), 0) FROM cycle_results WHERE program_id = ?`, programID)
	var maxSession sql.NullInt64
	if err := row.Scan(&maxSession); err != nil {
		return 0, apperr.Wrap(apperr.CodePersistenceFailure, "query max run_session", err)
	}
	return maxSession.Int64 + 1, nil
}

// PruneResults keeps at most keep of the most recent cycle results
// per program, deleting everything older. Retention is the only
// scheduled deletion path for results.
func (s *Store) PruneResults(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(
		`DELETE FROM cycle_results WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY program_id
					ORDER BY run_session DESC, cycle_seq DESC
				) AS rn
				FROM cycle_results
			) WHERE rn > ?
		)`, keep,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodePersistenceFailure, "prune cycle_results", err)
	}
	return nil
}
