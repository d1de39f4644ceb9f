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

// Queries against the job store should be short; anything slower than this
// is worth a warning even when SQL tracing is off.
const slowQueryThreshold = 200 * time.Millisecond

// storeLogger adapts the server's zap logger to gormlogger.Interface so job
// store internals (SQL statements, slow queries, errors) land in the same
// structured log stream as the rest of the server.
type storeLogger struct {
	log           *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// newStoreLogger returns the job store logger at the given level. Use
// gormlogger.Silent to mute GORM entirely, or gormlogger.Info to trace every
// SQL statement.
func newStoreLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &storeLogger{
		log:           log.Named("db").WithOptions(zap.AddCallerSkip(3)),
		level:         level,
		slowThreshold: slowQueryThreshold,
	}
}

// LogMode returns a copy at the given level. GORM calls this for scoped
// overrides such as db.Debug().
func (l *storeLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *storeLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *storeLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *storeLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement with its timing and row count.
// gorm.ErrRecordNotFound stays silent: the store maps it to ErrNotFound and
// callers treat that as a normal outcome, not a database fault.
func (l *storeLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
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
		l.log.Error("job store query failed", append(fields, zap.Error(err))...)

	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		l.log.Warn("slow job store query", fields...)

	case l.level >= gormlogger.Info:
		l.log.Debug("job store query", fields...)
	}
}
