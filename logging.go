package stepflow

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// NewDevLogger returns a colorized slog.Logger suited to local
// development: short timestamps, tinted levels, human-readable attrs.
// Production deployments should prefer slog.NewJSONHandler.
func NewDevLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
