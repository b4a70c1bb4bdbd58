// Package rollfile rotates log and output files.
//
// Two policies are supported: a numeric roll that shifts filename.000 →
// filename.001 and so on (filename.000 is always the most recent copy),
// and a timestamped roll that renames the file with a time-formatted
// suffix and then purges old copies by modification time.
package rollfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "servcore/pkg/errors"
)

// maxVersions bounds the numeric roll.
const maxVersions = 999

// rotateMu serialises RollCond callers so close/roll/reopen sequences of
// different writers do not interleave on the same path.
var rotateMu sync.Mutex

// Roll rotates fileName through numeric suffixes, keeping at most max
// backups X.000 … X.(max-1): when all max slots are taken X.(max-1) is
// deleted, then X.(max-2) → X.(max-1), …, X.000 → X.001, and X → X.000.
func Roll(fileName string, max int) error {
	if max <= 0 || max > maxVersions {
		return apperrors.NewBadRequest(
			fmt.Sprintf("rollfile: invalid max %d; must be > 0 and <= %d", max, maxVersions))
	}

	version := func(n int) string {
		return fmt.Sprintf("%s.%03d", fileName, n)
	}

	if exists(version(0)) {
		// Find one past the highest version present, bounded by max.
		high := 0
		for high < max && exists(version(high)) {
			high++
		}
		if high == max {
			// The copy at position max-1 would shift past the cap.
			if err := os.Remove(version(max - 1)); err != nil {
				return err
			}
			high--
		}
		for n := high - 1; n >= 0; n-- {
			if err := os.Rename(version(n), version(n+1)); err != nil {
				return err
			}
		}
	}

	if exists(fileName) {
		return os.Rename(fileName, version(0))
	}
	return nil
}

// RollByFormat rotates fileName by renaming it with a time-formatted
// suffix. An empty format falls back to the numeric roll. When the target
// name already exists (several rolls within one format period) the target
// is itself rolled numerically first. Old copies beyond maxBackup are
// purged afterwards by modification time.
func RollByFormat(fileName, format string, maxBackup int) error {
	if format == "" {
		return Roll(fileName, maxBackup)
	}

	// Rotation commonly runs right after midnight, slightly past its
	// scheduled time. A comparison timestamp 60 seconds earlier detects
	// the day jump; the earlier day then names the rotated file.
	now := time.Now()
	stamp := now
	if earlier := now.Add(-60 * time.Second); earlier.Day() != now.Day() {
		stamp = earlier
	}

	target := fileName + "." + Strftime(format, stamp)
	if exists(target) {
		if err := Roll(target, maxBackup); err != nil {
			return err
		}
	}
	if err := os.Rename(fileName, target); err != nil {
		return err
	}
	return PurgeFiles(fileName, maxBackup)
}

// PurgeFiles removes rotated copies beyond max, keeping the most recently
// modified ones. All plain files matching "fileName*" other than fileName
// itself are candidates. Re-running with no intervening writes removes
// nothing further.
func PurgeFiles(fileName string, max int) error {
	matches, err := filepath.Glob(fileName + "*")
	if err != nil {
		return err
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var files []candidate
	for _, m := range matches {
		if m == fileName {
			continue
		}
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, candidate{path: m, mtime: fi.ModTime()})
	}
	if len(files) <= max {
		return nil
	}

	// Newest first; everything past max goes.
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.After(files[j].mtime)
	})
	for _, f := range files[max:] {
		if err := os.Remove(f.path); err != nil {
			return err
		}
	}
	return nil
}

// RollCond closes the current file via closeFn, rolls it when present,
// and reopens it via openFn. The sequence is atomic with respect to other
// RollCond callers.
func RollCond(openFn, closeFn func() error, fileName, format string, maxBackup int) error {
	rotateMu.Lock()
	defer rotateMu.Unlock()

	if err := closeFn(); err != nil {
		return apperrors.Wrap(err, "rollfile: closing "+fileName)
	}
	if exists(fileName) {
		if err := RollByFormat(fileName, format, maxBackup); err != nil {
			return apperrors.Wrap(err, "rollfile: rolling "+fileName)
		}
	}
	if err := openFn(); err != nil {
		return apperrors.Wrap(err, "rollfile: reopening "+fileName)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
