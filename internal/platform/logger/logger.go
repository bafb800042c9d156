package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output keeps log
// shipping simple; level comes from the environment so containers can turn
// on debug without a rebuild.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("IDVAULT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
