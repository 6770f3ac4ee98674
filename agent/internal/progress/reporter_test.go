package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.ProgressRequest
	err  error
}

func (f *fakeSender) Progress(_ context.Context, _ string, req wire.ProgressRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.err
}

func (f *fakeSender) reports() []wire.ProgressRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.ProgressRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestFirstReportSendsImmediately(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "job-1", zap.NewNop())
	defer r.Close()

	r.Report(wire.ProgressRequest{Stage: "scanning"})

	got := sender.reports()
	require.Len(t, got, 1)
	assert.Equal(t, "scanning", got[0].Stage)
}

func TestThrottledReportsCoalesce(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "job-1", zap.NewNop())
	defer r.Close()

	r.Report(wire.ProgressRequest{Stage: "scanning", Message: "first"})
	// Inside the window: each call overwrites the pending slot.
	r.Report(wire.ProgressRequest{Stage: "scanning", Message: "second"})
	r.Report(wire.ProgressRequest{Stage: "scanning", Message: "third"})

	require.Eventually(t, func() bool {
		return len(sender.reports()) == 2
	}, 3*time.Second, 10*time.Millisecond, "one immediate send plus one delayed flush")

	got := sender.reports()
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "third", got[1].Message, "latest value wins when the window opens")
}

func TestCloseDrainsPendingReport(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "job-1", zap.NewNop())

	r.Report(wire.ProgressRequest{Stage: "scanning"})
	r.Report(wire.ProgressRequest{Stage: "finalizing"})
	r.Close()

	got := sender.reports()
	require.Len(t, got, 2)
	assert.Equal(t, "finalizing", got[1].Stage)
}

func TestReportAfterCloseIsDropped(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "job-1", zap.NewNop())
	r.Close()

	r.Report(wire.ProgressRequest{Stage: "scanning"})
	assert.Empty(t, sender.reports())
}

func TestSenderErrorsAreSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("network down")}
	r := New(sender, "job-1", zap.NewNop())
	defer r.Close()

	assert.NotPanics(t, func() {
		r.Report(wire.ProgressRequest{Stage: "scanning"})
	})
	assert.Len(t, sender.reports(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "job-1", zap.NewNop())

	r.Report(wire.ProgressRequest{Stage: "scanning"})
	r.Report(wire.ProgressRequest{Stage: "finalizing"})
	r.Close()
	r.Close()

	assert.Len(t, sender.reports(), 2, "the pending report drains exactly once")
}
