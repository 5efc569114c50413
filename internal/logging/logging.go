// Package logging provides the leveled logger shared by daemon components.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes timestamped leveled lines for one named component.
type Logger struct {
	base      *log.Logger
	level     Level
	component string
}

func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{base: log.New(w, "", 0), level: level, component: component}
}

// Named returns a logger sharing the same sink and level under a new
// component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{base: l.base, level: l.level, component: component}
}

// Std exposes the underlying *log.Logger for collaborators that take one.
func (l *Logger) Std() *log.Logger {
	return l.base
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.base.Printf("%s %s %s: %s", time.Now().UTC().Format(time.RFC3339), level, l.component, msg)
}
