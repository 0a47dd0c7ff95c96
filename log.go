package mssql

import (
	"context"

	"github.com/tdskit/mssql/msdsn"
)

const (
	logErrors      = uint64(msdsn.LogErrors)
	logMessages    = uint64(msdsn.LogMessages)
	logRows        = uint64(msdsn.LogRows)
	logSQL         = uint64(msdsn.LogSQL)
	logParams      = uint64(msdsn.LogParams)
	logTransaction = uint64(msdsn.LogTransaction)
	logDebug       = uint64(msdsn.LogDebug)
	logRetries     = uint64(msdsn.LogRetries)
)

// Logger is the legacy logging interface, satisfied by log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// ContextLogger is implemented by loggers that want the context of the
// operation being logged along with the message category.
type ContextLogger interface {
	Log(ctx context.Context, category msdsn.Log, msg string)
}

// optionalLogger swallows logs when no logger is set.
type optionalLogger struct {
	logger ContextLogger
}

func (o optionalLogger) Log(ctx context.Context, category msdsn.Log, msg string) {
	if o.logger != nil {
		o.logger.Log(ctx, category, msg)
	}
}

// loggerAdapter makes a Logger usable where a ContextLogger is needed.
type loggerAdapter struct {
	logger Logger
}

func (la loggerAdapter) Log(_ context.Context, _ msdsn.Log, msg string) {
	la.logger.Println(msg)
}
