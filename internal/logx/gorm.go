package logx

import (
	"context"
	"errors"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

// gormAdapter routes GORM's own logging through a component Logger so the
// session store's SQL layer logs through the same sink as everything else.
type gormAdapter struct {
	l     *Logger
	level gormlogger.LogLevel
}

// GormLoggerDefault builds a GORM logger.Interface bound to the process-wide
// level string (as produced by GetLevelString/SetLevelString).
func GormLoggerDefault(levelStr string) gormlogger.Interface {
	lvl := gormlogger.Warn
	switch ParseLevel(levelStr) {
	case Trace, Debug:
		lvl = gormlogger.Info
	case Info:
		lvl = gormlogger.Warn
	case Warn, Error, Off:
		lvl = gormlogger.Error
	}
	return &gormAdapter{l: New(WithPrefix("gorm")), level: lvl}
}

func (g *gormAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormAdapter) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.l.Infof(msg, args...)
	}
}

func (g *gormAdapter) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.l.Warnf(msg, args...)
	}
}

func (g *gormAdapter) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.l.Errorf(msg, args...)
	}
}

func (g *gormAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound):
		g.l.Errorf("sql error=%v elapsed=%s rows=%d sql=%s", err, elapsed, rows, sql)
	case g.level >= gormlogger.Info:
		g.l.Debugf("sql elapsed=%s rows=%d sql=%s", elapsed, rows, sql)
	}
}
