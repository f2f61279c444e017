package correlation

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// PendingCall describes one in-flight Call
type PendingCall struct {
	UniqueID  string
	TenantID  string
	StationID string
	// Module is set for calls dispatched to a business module rather than
	// sent to the station.
	Module   string
	Session  uint64
	Action   string
	SentAt   time.Time
	Deadline time.Time
}

// Target returns the table key the call was registered under
func (p PendingCall) Target() Target {
	return Target{TenantID: p.TenantID, StationID: p.StationID, Module: p.Module, Session: p.Session}
}

// Result is the outcome of a call. Exactly one of Payload and Err is set.
type Result struct {
	Payload json.RawMessage
	Err     error
}

type pending struct {
	info    PendingCall
	claimed atomic.Bool
	done    chan struct{}
	result  Result
	timer   *time.Timer
}

func newPending(info PendingCall) *pending {
	return &pending{info: info, done: make(chan struct{})}
}

// Future is the waiting side of a PendingCall
type Future struct {
	p *pending
}

// ID returns the uniqueId of the call
func (f *Future) ID() string { return f.p.info.UniqueID }

// Call returns the call description
func (f *Future) Call() PendingCall { return f.p.info }

// Done is closed once the call has completed
func (f *Future) Done() <-chan struct{} { return f.p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() Result { return f.p.result }

// Wait blocks until the call completes or ctx ends. Giving up on ctx does not
// release the station slot; the call still completes by reply or deadline.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.p.done:
		return f.p.result.Payload, f.p.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
