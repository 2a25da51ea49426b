// Package logx is a small structured leveled logger shared by every
// component, mirroring the level/prefix conventions used throughout the
// rest of this codebase.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var globalLevel = int32(Info)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "info":
		return Info
	case "off", "silent":
		return Off
	case "error":
		return Error
	default:
		return Info
	}
}

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Off:
		return "off"
	default:
		return "info"
	}
}

// SetLevelString updates the process-wide log level from a config string.
// An empty value leaves the current level unchanged; an unrecognized value
// sets the level to info.
func SetLevelString(s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	atomic.StoreInt32(&globalLevel, int32(ParseLevel(s)))
}

func GetLevelString() string {
	return Level(atomic.LoadInt32(&globalLevel)).String()
}

func levelTag(l Level) string {
	switch l {
	case Trace:
		return "[TRACE]"
	case Debug:
		return "[DEBUG]"
	case Info:
		return "[INFO] "
	case Warn:
		return "[WARN] "
	case Error:
		return "[ERROR]"
	default:
		return "[ERROR]"
	}
}

// Logger writes tagged, leveled lines for a single component.
type Logger struct {
	prefix string
	out    io.Writer
}

type Option func(*Logger)

func WithPrefix(p string) Option {
	return func(l *Logger) { l.prefix = p }
}

func WithWriter(w io.Writer) Option {
	return func(l *Logger) { l.out = w }
}

func New(opts ...Option) *Logger {
	l := &Logger{out: os.Stderr}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) log(lvl Level, format string, args ...any) {
	if lvl < Level(atomic.LoadInt32(&globalLevel)) {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		fmt.Fprintf(l.out, "%s %s [%s] %s\n", ts, levelTag(lvl), l.prefix, msg)
		return
	}
	fmt.Fprintf(l.out, "%s %s %s\n", ts, levelTag(lvl), msg)
}

func (l *Logger) Tracef(format string, args ...any) { l.log(Trace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }
