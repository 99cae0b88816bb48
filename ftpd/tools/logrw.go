package tools

import (
	"io"
	"log/slog"
)

// LogReadWriter wraps an io.ReadWriter, logging every read and write to
// a *slog.Logger at debug level - used for control-channel wire tracing,
// adapted from the teacher's own request/response body logger
// (originally wired to an HTTP handler; here wired to the FTP control
// stream instead).
type LogReadWriter struct {
	ReadWriter io.ReadWriter
	logger     *slog.Logger
}

// NewLogReadWriter creates a new LogReadWriter.
func NewLogReadWriter(rw io.ReadWriter, logger *slog.Logger) *LogReadWriter {
	return &LogReadWriter{ReadWriter: rw, logger: logger}
}

func (rw *LogReadWriter) Read(b []byte) (int, error) {
	n, err := rw.ReadWriter.Read(b)
	if rw.logger != nil && n > 0 {
		rw.logger.Debug("recv", "bytes", IsPrintable(b[:n]))
	}
	return n, err
}

func (rw *LogReadWriter) Write(b []byte) (int, error) {
	if rw.logger != nil {
		rw.logger.Debug("send", "bytes", IsPrintable(b))
	}
	return rw.ReadWriter.Write(b)
}
