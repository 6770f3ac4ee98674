// Package poll drives the agent's claim→execute cycle: claim a job,
// execute it, claim again immediately to drain the queue, and idle for
// the poll interval only when the server has nothing. The loop never
// runs two jobs in parallel.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/client"
	"github.com/fabrice-guiot/shuttersense-sub005/agent/internal/executor"
)

// DefaultInterval is the idle wait between claim attempts when the
// queue is empty.
const DefaultInterval = 5 * time.Second

// maxConsecutiveFailures is how many connection or internal failures in
// a row the loop tolerates before giving up.
const maxConsecutiveFailures = 5

// CLI exit codes.
const (
	ExitRevoked         = 2
	ExitAuthFailure     = 3
	ExitConnectionLimit = 4
	ExitInternalLimit   = 5
)

// ExitError tells the CLI which code to exit with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("poll: exiting with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Loop is the agent's single polling task.
type Loop struct {
	client   *client.Client
	executor *executor.Executor
	interval time.Duration
	logger   *zap.Logger

	connFailures     int
	internalFailures int
}

// New creates a Loop. interval ≤ 0 selects DefaultInterval.
func New(c *client.Client, exec *executor.Executor, interval time.Duration, logger *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		client:   c,
		executor: exec,
		interval: interval,
		logger:   logger.Named("poll"),
	}
}

// Run polls until ctx is cancelled (returns nil) or a fatal condition
// occurs (returns *ExitError).
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("polling started", zap.Duration("interval", l.interval))

	for {
		if ctx.Err() != nil {
			l.logger.Info("polling stopped")
			return nil
		}

		claim, err := l.client.Claim(ctx)
		if err != nil {
			if exitErr := l.recordFailure("claim", err); exitErr != nil {
				return exitErr
			}
			if !l.wait(ctx) {
				return nil
			}
			continue
		}
		l.resetCounters()

		if claim == nil {
			// Queue empty — idle until the next tick or shutdown.
			if !l.wait(ctx) {
				return nil
			}
			continue
		}

		if err := l.executor.Execute(ctx, claim); err != nil {
			var toolErr *client.ToolExecutionError
			if errors.As(err, &toolErr) {
				// The FAILED completion is already posted; the server
				// rewinds the job up to max_retries. Keep claiming.
				l.logger.Warn("tool execution failed", zap.Error(err))
				continue
			}
			if exitErr := l.recordFailure("execute", err); exitErr != nil {
				return exitErr
			}
			if !l.wait(ctx) {
				return nil
			}
			continue
		}
		l.resetCounters()
		// Claim again immediately — no sleep while the queue drains.
	}
}

// recordFailure classifies one failure, returning a non-nil ExitError
// when the loop must stop.
func (l *Loop) recordFailure(op string, err error) *ExitError {
	var (
		revoked *client.AgentRevokedError
		authErr *client.AuthenticationError
		connErr *client.ConnectionError
	)
	switch {
	case errors.As(err, &revoked):
		l.logger.Error("agent has been revoked", zap.Error(err))
		return &ExitError{Code: ExitRevoked, Err: err}

	case errors.As(err, &authErr):
		l.logger.Error("authentication failed", zap.Error(err))
		return &ExitError{Code: ExitAuthFailure, Err: err}

	case errors.As(err, &connErr):
		l.connFailures++
		l.logger.Warn("connection failure",
			zap.String("op", op),
			zap.Int("consecutive", l.connFailures),
			zap.Error(err),
		)
		if l.connFailures >= maxConsecutiveFailures {
			return &ExitError{Code: ExitConnectionLimit, Err: err}
		}
		return nil

	default:
		l.internalFailures++
		l.logger.Warn("unexpected failure",
			zap.String("op", op),
			zap.Int("consecutive", l.internalFailures),
			zap.Error(err),
		)
		if l.internalFailures >= maxConsecutiveFailures {
			return &ExitError{Code: ExitInternalLimit, Err: err}
		}
		return nil
	}
}

func (l *Loop) resetCounters() {
	l.connFailures = 0
	l.internalFailures = 0
}

// wait sleeps one interval, interruptible by shutdown. Returns false
// when ctx ended.
func (l *Loop) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.interval):
		return true
	}
}
