package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/imaging"
)

const timestampLayout = time.RFC3339Nano

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

func formatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

func (s *Store) masterPath(programID int) string {
	return filepath.Join(s.masterDir, "program-"+strconv.Itoa(programID)+".png")
}

// WriteMaster decodes raw, checks it against the program's configured
// capture resolution (§4.4 step 2 / invariant 3), computes quality
// metrics, and atomically installs it as the program's master image:
// write to a temp file, fsync, rename over the final path, then
// update the DB row. The row is only updated once the rename has
// succeeded, so a crash mid-write never leaves a program pointing at
// a partial file.
func (s *Store) WriteMaster(programID int, raw []byte) (imaging.QualityMetrics, error) {
	if err := s.rejectIfRunning(programID); err != nil {
		return imaging.QualityMetrics{}, err
	}
	program, err := s.Get(programID)
	if err != nil {
		return imaging.QualityMetrics{}, err
	}
	lock := s.lockFor(programID)
	lock.Lock()
	defer lock.Unlock()

	img, err := imaging.Decode(raw)
	if err != nil {
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodeDecodeFailed, "decode master image", err)
	}
	defer img.Close()

	if img.Cols() != program.CaptureSettings.Width || img.Rows() != program.CaptureSettings.Height {
		return imaging.QualityMetrics{}, apperr.New(apperr.CodeResolutionMismatch,
			fmt.Sprintf("master image %dx%d does not match capture settings %dx%d",
				img.Cols(), img.Rows(), program.CaptureSettings.Width, program.CaptureSettings.Height))
	}

	finalPath := s.masterPath(programID)

	metrics := imaging.ComputeQualityMetrics(img)

	encoded, err := imaging.EncodeLossless(img)
	if err != nil {
		return imaging.QualityMetrics{}, fmt.Errorf("encode master for storage: %w", err)
	}

	if err := os.MkdirAll(s.masterDir, 0o755); err != nil {
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "create master dir", err)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "open temp master file", err)
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "write temp master file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "fsync temp master file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "close temp master file", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "rename master file into place", err)
	}

	ref := "program-" + strconv.Itoa(programID) + ".png"
	if _, err := s.db.Exec(`UPDATE programs SET master_image_ref = ? WHERE id = ?`, ref, programID); err != nil {
		return imaging.QualityMetrics{}, apperr.Wrap(apperr.CodePersistenceFailure, "update master_image_ref", err)
	}

	return metrics, nil
}

// LoadMaster reads and decodes the program's master image.
func (s *Store) LoadMaster(programID int) (gocv.Mat, error) {
	lock := s.lockFor(programID)
	lock.RLock()
	defer lock.RUnlock()

	path := s.masterPath(programID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return gocv.Mat{}, apperr.New(apperr.CodeNotFound, fmt.Sprintf("no master image for program %d", programID))
		}
		return gocv.Mat{}, apperr.Wrap(apperr.CodePersistenceFailure, "read master file", err)
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return gocv.Mat{}, apperr.Wrap(apperr.CodeDecodeFailed, "decode master image", err)
	}
	return img, nil
}

func (s *Store) removeMasterFile(programID int) error {
	path := s.masterPath(programID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.CodePersistenceFailure, "remove master file", err)
	}
	return nil
}
