// Package logfile keeps the server log file bounded across restarts.
package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	DefaultMaxSize  = 5 * 1024 * 1024 // 5 MB
	DefaultKeepSize = 256 * 1024      // 256 KB
)

// Truncate rewrites path to its last keepSize bytes when it is larger than
// maxSize. A missing file is not an error.
func Truncate(path string, maxSize, keepSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file for truncation: %w", err)
	}

	seekPos := max(info.Size()-keepSize, 0)
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek in log file: %w", err)
	}

	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log file tail: %w", err)
	}

	// Start at a line boundary so the first kept entry is whole.
	for i, b := range tail {
		if b == '\n' {
			tail = tail[i+1:]
			break
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate log file: %w", err)
	}
	defer out.Close()

	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}
	return nil
}
