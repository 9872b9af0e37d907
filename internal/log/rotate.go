package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// openOutput resolves where records go. The returned closer flushes and
// closes the rotating file, if any, and is what Logger.Sync calls.
func openOutput(opts Options) (io.Writer, func() error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.File.Path == "" {
		return w, func() error { return nil }
	}

	maxSize := opts.File.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	rot := &lumberjack.Logger{
		Filename:   opts.File.Path,
		MaxSize:    maxSize,
		MaxBackups: opts.File.MaxBackups,
		MaxAge:     opts.File.MaxAgeDays,
		Compress:   opts.File.Compress,
	}
	return io.MultiWriter(w, rot), rot.Close
}
