package logutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/open-telemetry/opamp-go/client/types"
)

// opampLogger routes opamp-go client and server logs into slog. opamp-go debug
// output is per message, so it lands at trace level.
type opampLogger struct {
	l *slog.Logger
}

var _ types.Logger = (*opampLogger)(nil)

func (o *opampLogger) Debugf(ctx context.Context, format string, args ...any) {
	if !o.l.Enabled(ctx, LevelTrace) {
		return
	}
	o.l.Log(ctx, LevelTrace, fmt.Sprintf(format, args...))
}

func (o *opampLogger) Errorf(ctx context.Context, format string, args ...any) {
	o.l.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func NewOpAMPLogger(logger *slog.Logger) types.Logger {
	return &opampLogger{l: logger.With("component", "opamp-go")}
}
