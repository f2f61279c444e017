package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

type recordingTransmitter struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (r *recordingTransmitter) Transmit(_, _ string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *recordingTransmitter) last(t *testing.T) *ocpp.Call {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	msg, err := ocpp.Decode([]byte(r.frames[len(r.frames)-1]))
	require.NoError(t, err)
	call, ok := msg.(*ocpp.Call)
	require.True(t, ok)
	return call
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

var station = Target{TenantID: "t1", StationID: "CP001"}

func TestSendCall_ResolvedByReply(t *testing.T) {
	tx := &recordingTransmitter{}
	e := New(tx, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	fut, err := e.SendCall(ctx, "t1", "CP001", "Reset", map[string]string{"type": "Soft"}, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	call := tx.last(t)
	assert.Equal(t, "id-1", call.UniqueID)
	assert.Equal(t, "Reset", call.Action)
	assert.JSONEq(t, `{"type":"Soft"}`, string(call.Payload))

	pc, ok := e.Outstanding("t1", "CP001")
	require.True(t, ok)
	assert.Equal(t, "id-1", pc.UniqueID)

	assert.True(t, e.Resolve(station, "id-1", json.RawMessage(`{"status":"Accepted"}`)))

	payload, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))

	_, ok = e.Outstanding("t1", "CP001")
	assert.False(t, ok)
	assert.Equal(t, 0, e.Len())
}

func TestSendCall_SecondCallRejectedWhileOutstanding(t *testing.T) {
	tx := &recordingTransmitter{}
	e := New(tx, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	first, err := e.SendCall(ctx, "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	_, err = e.SendCall(ctx, "t1", "CP001", "ClearCache", nil, CallOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCallInProgress))
	assert.True(t, errors.IsTransient(err))

	pc, ok := e.Outstanding("t1", "CP001")
	require.True(t, ok)
	assert.Equal(t, first.ID(), pc.UniqueID, "first call untouched")
	assert.Equal(t, 1, e.Len())

	_, err = e.SendCall(ctx, "t1", "CP002", "ClearCache", nil, CallOptions{Timeout: time.Second})
	assert.NoError(t, err, "other stations are independent")
}

func TestSendCall_QueueWaitsForSlot(t *testing.T) {
	tx := &recordingTransmitter{}
	e := New(tx, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	_, err := e.SendCall(ctx, "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	queued := make(chan *Future, 1)
	go func() {
		fut, err := e.SendCall(ctx, "t1", "CP001", "ClearCache", nil, CallOptions{Timeout: time.Second, Queue: true})
		assert.NoError(t, err)
		queued <- fut
	}()

	select {
	case <-queued:
		t.Fatal("queued call sent while slot busy")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, e.Resolve(station, "id-1", nil))

	select {
	case fut := <-queued:
		assert.Equal(t, "ClearCache", fut.Call().Action)
	case <-time.After(time.Second):
		t.Fatal("queued call never sent")
	}
}

func TestSendCall_QueueGivesUpWithContext(t *testing.T) {
	e := New(&recordingTransmitter{})
	_, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.SendCall(ctx, "t1", "CP001", "Reset", nil, CallOptions{Queue: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendCall_TimeoutFreesSlot(t *testing.T) {
	tx := &recordingTransmitter{}
	e := New(tx, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	fut, err := e.SendCall(ctx, "t1", "CP001", "GetConfiguration", nil, CallOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = fut.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCallTimeout))

	assert.False(t, e.Resolve(station, "id-1", nil), "late reply is dropped")

	_, err = e.SendCall(ctx, "t1", "CP001", "GetConfiguration", nil, CallOptions{Timeout: time.Second})
	assert.NoError(t, err)
}

func TestSendCall_TransmitFailureReleasesSlot(t *testing.T) {
	tx := &recordingTransmitter{err: errors.ErrStationNotConnected}
	e := New(tx)

	_, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStationNotConnected))
	assert.Equal(t, 0, e.Len())
}

func TestSendCall_WithoutTransmitter(t *testing.T) {
	e := New(nil)
	_, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{})
	assert.Error(t, err)
}

func TestReject_CallError(t *testing.T) {
	tx := &recordingTransmitter{}
	e := New(tx, WithIDGenerator(sequentialIDs()))

	fut, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	require.True(t, e.Reject(station, fut.ID(), ocpp.NewCallError(fut.ID(), ocpp.ErrorNotSupported, "")))

	_, err = fut.Wait(context.Background())
	var ce *ocpp.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ocpp.ErrorNotSupported, ce.ErrorCode)
}

func TestResolve_UnknownAndDuplicate(t *testing.T) {
	e := New(&recordingTransmitter{}, WithIDGenerator(sequentialIDs()))
	assert.False(t, e.Resolve(station, "nope", nil))

	_, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)

	assert.True(t, e.Resolve(station, "id-1", nil))
	assert.False(t, e.Resolve(station, "id-1", nil))
	assert.False(t, e.Resolve(Target{TenantID: "t2", StationID: "CP001"}, "id-1", nil))
}

func TestCompletion_ExactlyOnceUnderRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := New(&recordingTransmitter{}, WithIDGenerator(sequentialIDs()))
		fut, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Millisecond})
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, f := range []func() bool{
			func() bool { return e.Resolve(station, fut.ID(), nil) },
			func() bool { return e.FailStation("t1", "CP001", nil) == 1 },
			func() bool { return e.Sweep(time.Now().Add(time.Hour)) == 1 },
		} {
			wg.Add(1)
			go func(f func() bool) {
				defer wg.Done()
				if f() {
					wins.Add(1)
				}
			}(f)
		}
		wg.Wait()
		<-fut.Done()

		assert.LessOrEqual(t, wins.Load(), int32(1))
		assert.Equal(t, 0, e.Len())
	}
}

func TestFailStation_RejectsOnlyStationCalls(t *testing.T) {
	e := New(&recordingTransmitter{}, WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	toStation, err := e.SendCall(ctx, "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	toModule, err := e.Track(Target{TenantID: "t1", StationID: "CP001", Module: "core"}, "abc", "BootNotification", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, e.FailStation("t1", "CP001", nil))

	_, err = toStation.Wait(ctx)
	assert.True(t, errors.Is(err, errors.ErrConnectionClosed))

	select {
	case <-toModule.Done():
		t.Fatal("module call should still be pending")
	default:
	}
	assert.Equal(t, 1, e.Len())
}

func TestTrack_DuplicateID(t *testing.T) {
	e := New(nil)
	target := Target{TenantID: "t1", StationID: "CP001", Module: "core"}

	_, err := e.Track(target, "abc", "Heartbeat", time.Second)
	require.NoError(t, err)
	_, err = e.Track(target, "abc", "Heartbeat", time.Second)
	assert.True(t, errors.Is(err, errors.ErrDuplicateCall))

	_, err = e.Track(Target{TenantID: "t1", StationID: "CP002", Module: "core"}, "abc", "Heartbeat", time.Second)
	assert.NoError(t, err)
}

func TestTrack_SessionScopesUniqueID(t *testing.T) {
	e := New(nil)
	first := Target{TenantID: "t1", StationID: "CP001", Module: "core", Session: 1}
	second := first
	second.Session = 2

	_, err := e.Track(first, "abc", "Authorize", time.Second)
	require.NoError(t, err)
	fut, err := e.Track(second, "abc", "Authorize", time.Second)
	require.NoError(t, err)

	// a late reply for the old session does not complete the new one
	assert.True(t, e.Resolve(first, "abc", json.RawMessage(`{}`)))
	select {
	case <-fut.Done():
		t.Fatal("second session call completed by first session reply")
	default:
	}
	assert.Equal(t, second, fut.Call().Target())
}

func TestSweep_UsesDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(nil, WithClock(func() time.Time { return now }))

	fut, err := e.Track(Target{TenantID: "t1", StationID: "CP001", Module: "core"}, "abc", "Heartbeat", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, e.Sweep(now.Add(59*time.Minute)))
	assert.Equal(t, 1, e.Sweep(now.Add(time.Hour)))

	_, err = fut.Wait(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCallTimeout))
}

func TestShutdown_DrainsThenForceFails(t *testing.T) {
	e := New(&recordingTransmitter{}, WithIDGenerator(sequentialIDs()))

	drained, err := e.SendCall(context.Background(), "t1", "CP001", "Reset", nil, CallOptions{Timeout: time.Minute})
	require.NoError(t, err)
	stuck, err := e.SendCall(context.Background(), "t1", "CP002", "Reset", nil, CallOptions{Timeout: time.Minute})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Resolve(station, drained.ID(), nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = e.Shutdown(ctx)
	assert.Error(t, err)

	_, err = drained.Wait(context.Background())
	assert.NoError(t, err)
	_, err = stuck.Wait(context.Background())
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))

	_, err = e.SendCall(context.Background(), "t1", "CP003", "Reset", nil, CallOptions{})
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))
}

func TestShutdown_Empty(t *testing.T) {
	e := New(nil)
	assert.NoError(t, e.Shutdown(context.Background()))
}
