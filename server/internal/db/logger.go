package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is the elapsed time past which a statement is
// reported at warn level even when SQL tracing is off. Dispatch and
// retention sweeps run wide scans; anything slower than this deserves
// an index.
const slowQueryThreshold = 200 * time.Millisecond

// queryLogger routes GORM's internal logging (statements, slow-query
// warnings, errors) through the server's zap logger so database noise
// carries the same structure as everything else.
//
// gorm.ErrRecordNotFound is not treated as an error: lookups that miss
// are a normal outcome for most repository calls.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger wraps log as a gormlogger.Interface at the given
// level. Zero defaults to Warn: errors and slow queries only. Pass
// gormlogger.Info to trace every statement during development.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// CallerSkip(3) points the caller field at the repository method
	// instead of this adapter.
	return &queryLogger{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode implements gormlogger.Interface. GORM calls it to derive a
// per-operation logger, e.g. for db.Debug().
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace reports one executed statement. Errors win over slowness; full
// statement tracing only happens at Info level and is emitted as debug
// so it can be filtered without losing warnings.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
