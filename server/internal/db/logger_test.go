package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func observedQueryLogger(level gormlogger.LogLevel) (gormlogger.Interface, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return newZapGORMLogger(zap.New(core), level), logs
}

func TestTraceReportsErrors(t *testing.T) {
	l, logs := observedQueryLogger(gormlogger.Warn)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 0
	}, errors.New("disk I/O error"))

	entries := logs.FilterMessage("query failed").All()
	assert.Len(t, entries, 1)
}

func TestTraceSilencesRecordNotFound(t *testing.T) {
	l, logs := observedQueryLogger(gormlogger.Warn)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 0
	}, gorm.ErrRecordNotFound)

	assert.Zero(t, logs.Len(), "a missed lookup is not a database error")
}

func TestTraceWarnsOnSlowQueries(t *testing.T) {
	l, logs := observedQueryLogger(gormlogger.Warn)

	begin := time.Now().Add(-2 * slowQueryThreshold)
	l.Trace(context.Background(), begin, func() (string, int64) {
		return "SELECT * FROM jobs", 9000
	}, nil)

	assert.Len(t, logs.FilterMessage("slow query").All(), 1)
}

func TestTraceOnlyTracesAtInfoLevel(t *testing.T) {
	fast := func() (string, int64) { return "SELECT 1", 1 }

	l, logs := observedQueryLogger(gormlogger.Warn)
	l.Trace(context.Background(), time.Now(), fast, nil)
	assert.Zero(t, logs.Len())

	l, logs = observedQueryLogger(gormlogger.Info)
	l.Trace(context.Background(), time.Now(), fast, nil)
	assert.Len(t, logs.FilterMessage("query").All(), 1)
}
