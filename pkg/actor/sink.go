// Package actor implements the per-invocation handler actor and the
// supervisor that owns the worker pool, admission queue, and fault
// containment.
package actor

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// ResultSink is the single-completion future for one admitted request. The
// engine attaches the TTL deadline at admission; the owning actor completes
// the sink exactly once with a terminal response. Later completions lose.
type ResultSink struct {
	requestID string
	deadline  time.Time

	once sync.Once
	done chan struct{}
	resp *models.DGResponse
}

// NewResultSink creates a sink for requestID with the given TTL deadline.
func NewResultSink(requestID string, deadline time.Time) *ResultSink {
	return &ResultSink{
		requestID: requestID,
		deadline:  deadline,
		done:      make(chan struct{}),
	}
}

// RequestID returns the request this sink belongs to.
func (s *ResultSink) RequestID() string { return s.requestID }

// Deadline returns the TTL deadline attached at admission.
func (s *ResultSink) Deadline() time.Time { return s.deadline }

// Complete fulfills the sink. The first call wins and returns true.
func (s *ResultSink) Complete(resp *models.DGResponse) bool {
	won := false
	s.once.Do(func() {
		s.resp = resp
		close(s.done)
		won = true
	})
	return won
}

// Done is closed once the sink is completed.
func (s *ResultSink) Done() <-chan struct{} { return s.done }

// Response returns the terminal response, or nil if not yet completed.
func (s *ResultSink) Response() *models.DGResponse {
	select {
	case <-s.done:
		return s.resp
	default:
		return nil
	}
}

// Await blocks until the sink completes or ctx is cancelled.
func (s *ResultSink) Await(ctx context.Context) (*models.DGResponse, error) {
	select {
	case <-s.done:
		return s.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
