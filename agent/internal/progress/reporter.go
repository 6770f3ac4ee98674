// Package progress implements the rate-limited, best-effort progress
// channel between a running tool and the server. Reports are advisory: a
// failed delivery is logged and swallowed, never surfaced to the tool.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// MinReportInterval is the floor between two network sends. Reports
// arriving faster overwrite a pending slot; the latest value wins when
// the window opens.
const MinReportInterval = 500 * time.Millisecond

// Sender posts one progress report. Implemented by client.Client.
type Sender interface {
	Progress(ctx context.Context, jobGUID string, req wire.ProgressRequest) error
}

// Reporter throttles progress for one job. Report never blocks on the
// network and never returns an error; Close drains the final pending
// report once.
type Reporter struct {
	sender  Sender
	jobGUID string
	logger  *zap.Logger

	mu       sync.Mutex
	lastSend time.Time
	pending  *wire.ProgressRequest
	timer    *time.Timer
	closed   bool
}

// New creates a Reporter for one job.
func New(sender Sender, jobGUID string, logger *zap.Logger) *Reporter {
	return &Reporter{
		sender:  sender,
		jobGUID: jobGUID,
		logger:  logger.Named("progress"),
	}
}

// Report queues one progress update. If the rate-limit window is open
// the report is sent immediately (on the calling goroutine, best
// effort); otherwise it replaces the pending slot and a delayed send is
// armed for the start of the next window.
func (r *Reporter) Report(req wire.ProgressRequest) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	if now.Sub(r.lastSend) >= MinReportInterval {
		r.lastSend = now
		r.mu.Unlock()
		r.send(req)
		return
	}

	// Window closed: overwrite the pending slot and arm the delayed
	// send on the first throttled call only.
	r.pending = &req
	if r.timer == nil {
		delay := MinReportInterval - now.Sub(r.lastSend)
		r.timer = time.AfterFunc(delay, r.flush)
	}
	r.mu.Unlock()
}

// flush sends whatever is in the pending slot when the window reopens.
func (r *Reporter) flush() {
	r.mu.Lock()
	req := r.pending
	r.pending = nil
	r.timer = nil
	if req != nil {
		r.lastSend = time.Now()
	}
	r.mu.Unlock()

	if req != nil {
		r.send(*req)
	}
}

// Close stops the delayed-send timer and drains one final pending
// report. Safe to call once per job; later Report calls are dropped.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	req := r.pending
	r.pending = nil
	r.mu.Unlock()

	if req != nil {
		r.send(*req)
	}
}

// send delivers one report, swallowing every error with a warning.
func (r *Reporter) send(req wire.ProgressRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sender.Progress(ctx, r.jobGUID, req); err != nil {
		r.logger.Warn("progress report dropped",
			zap.String("job_guid", r.jobGUID),
			zap.String("stage", req.Stage),
			zap.Error(err),
		)
	}
}
