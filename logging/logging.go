// Package logging builds pizauth's structured logger, grounded on
// smart-mcp-proxy's internal/logs.SetupLogger: a console-only zap core
// (pizauth has no use for rotated log files, since its daemon runs under
// whatever supervises it — systemd, a terminal, launchd — which already
// captures stderr).
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger writing to stderr, as the server command does.
// debug (the --debug flag) raises the level from Info to Debug.
func New(debug bool) (*zap.Logger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	return build(level)
}

// NewForCommand builds a quieter logger than New: Warn by default, Debug
// when debug is set. Grounded on the teacher's SetupCommandLogger's
// serverCommand-dependent default level.
func NewForCommand(debug bool) (*zap.Logger, error) {
	level := zap.WarnLevel
	if debug {
		level = zap.DebugLevel
	}
	return build(level)
}

func build(level zapcore.Level) (*zap.Logger, error) {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)

	return zap.New(core, zap.AddCaller()), nil
}
