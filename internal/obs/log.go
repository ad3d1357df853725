package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
}

// Logger returns the shared structured logger used across the client.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// SetOutput redirects the shared logger and returns a function restoring the
// previous one. Used by tests and the CLI's -quiet flag.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// LogRequest emits one line describing an outgoing gateway call.
func LogRequest(method, path string, status int, d time.Duration, requestID string, err error) {
	ev := Logger().Info()
	if err != nil {
		ev = Logger().Warn().Err(err)
	}
	ev.Str("type", "http").
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", d).
		Str("request_id", requestID).
		Msg("gateway request")
}
