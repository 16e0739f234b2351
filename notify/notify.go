// Package notify implements pizauth's two notification backends
// (spec.md §4.1's "surface it to the user"): a desktop toast and a
// log-only fallback, grounded on smart-mcp-proxy's tray notification
// handler.
package notify

import (
	"go.uber.org/zap"

	"github.com/gen2brain/beeep"
)

// Notifier is the capability the scheduler uses to surface an
// authorization URL or a terminal failure to the user.
type Notifier interface {
	Notify(title, body string) error
}

// Desktop sends a native OS toast via beeep, falling back to a logged
// warning if the platform notification daemon is unreachable.
type Desktop struct {
	Logger *zap.Logger
}

// NewDesktop returns a Desktop notifier.
func NewDesktop(logger *zap.Logger) *Desktop {
	return &Desktop{Logger: logger}
}

// Notify implements Notifier.
func (d *Desktop) Notify(title, body string) error {
	if err := beeep.Notify(title, body, ""); err != nil {
		d.Logger.Warn("desktop notification failed",
			zap.String("title", title),
			zap.Error(err))
		return err
	}
	return nil
}

// LogOnly writes notifications to the structured log instead of raising a
// desktop toast, for headless daemon instances (spec.md §9's notifier
// backend selection).
type LogOnly struct {
	Logger *zap.Logger
}

// NewLogOnly returns a LogOnly notifier.
func NewLogOnly(logger *zap.Logger) *LogOnly {
	return &LogOnly{Logger: logger}
}

// Notify implements Notifier. It logs at WARN, not INFO, since this is
// the fallback the user sees in place of a desktop toast (spec.md §4.5)
// and must stay visible under a warn-level default logger.
func (l *LogOnly) Notify(title, body string) error {
	l.Logger.Warn("notification", zap.String("title", title), zap.String("body", body))
	return nil
}
