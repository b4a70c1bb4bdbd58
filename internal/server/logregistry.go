package server

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"servcore/internal/rollfile"
	apperrors "servcore/pkg/errors"
)

// logFile is one registered server log destination.
type logFile struct {
	path string
	file *os.File
}

// LogRegistry tracks the open log files of one server so they can be
// written, rolled and closed as a group.
type LogRegistry struct {
	mu     sync.Mutex
	files  map[string]*logFile
	logger *zap.Logger
}

// NewLogRegistry creates an empty registry.
func NewLogRegistry(logger *zap.Logger) *LogRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRegistry{files: make(map[string]*logFile), logger: logger}
}

// Open registers a named log file, creating or appending to path.
func (lr *LogRegistry) Open(name, path string) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if _, ok := lr.files[name]; ok {
		return apperrors.NewBadRequest("log already registered: " + name)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.Wrap(err, "logregistry: open "+path)
	}
	lr.files[name] = &logFile{path: path, file: f}
	return nil
}

// Write appends a line to a named log.
func (lr *LogRegistry) Write(name string, data []byte) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	lf, ok := lr.files[name]
	if !ok {
		return apperrors.NewNotFound("no such log: " + name)
	}
	_, err := lf.file.Write(data)
	return err
}

// Roll rotates a named log: the file is closed, rolled by format and
// reopened atomically with respect to other rollers.
func (lr *LogRegistry) Roll(name, format string, maxBackup int) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	lf, ok := lr.files[name]
	if !ok {
		return apperrors.NewNotFound("no such log: " + name)
	}
	err := rollfile.RollCond(
		func() error {
			f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			lf.file = f
			return nil
		},
		func() error { return lf.file.Close() },
		lf.path, format, maxBackup,
	)
	if err != nil {
		lr.logger.Warn("logregistry: roll failed",
			zap.String("log", name), zap.Error(err))
	} else {
		lr.logger.Info("logregistry: re-opened logfile",
			zap.String("log", name), zap.String("path", lf.path))
	}
	return err
}

// Names lists the registered log names, sorted.
func (lr *LogRegistry) Names() []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	names := make([]string, 0, len(lr.files))
	for name := range lr.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered log at server teardown.
func (lr *LogRegistry) CloseAll() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for name, lf := range lr.files {
		if err := lf.file.Close(); err != nil {
			lr.logger.Warn("logregistry: close failed",
				zap.String("log", name), zap.Error(err))
		}
		delete(lr.files, name)
	}
}
