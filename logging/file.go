package logging

import (
	"fmt"
	"os"
)

// OpenFileSink opens a fresh (truncated) log file and installs a global
// debug logger writing to it at the given level. Returns the file so the
// caller can close it at shutdown.
func OpenFileSink(path string, level int) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := NewDebugLogger(file)
	logger.SetLevel(level)
	SetGlobalDebugLogger(logger)
	logger.Log(LevelError, "debug", "Debug logging started")

	return file, nil
}
