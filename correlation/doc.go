// Package correlation matches OCPP-J requests to their replies.
//
// An Engine keeps one table of PendingCalls keyed by target and uniqueId.
// Calls sent to a station additionally occupy that station's single outbound
// slot: OCPP forbids a second Call while one is outstanding, so SendCall
// fails with errors.ErrCallInProgress unless the caller opts into waiting
// with CallOptions.Queue.
//
// Every PendingCall completes exactly once. A reply, the deadline timer,
// FailStation and Shutdown all race to claim the entry with an atomic
// compare-and-swap; only the winner writes the result and frees the slot.
// Replies that lose the race, or that match nothing, are logged and dropped.
//
//	fut, err := engine.SendCall(ctx, "t1", "CP001", "Reset",
//	    map[string]string{"type": "Soft"}, correlation.CallOptions{Timeout: 5 * time.Second})
//	if err != nil {
//	    return err // ErrCallInProgress, ErrShuttingDown, transmit failure
//	}
//	payload, err := fut.Wait(ctx) // *ocpp.CallError, ErrCallTimeout, ErrConnectionClosed
package correlation
