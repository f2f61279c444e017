// Package retry provides exponential backoff with jitter for transient failures.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s
//   - Publish(): 5 attempts, 50ms-2s, used by the broker adapter
//   - Startup(): 10 attempts, 200ms-5s, used while dialing NATS, Postgres and Redis
//
// A broker publish that gives up after the configured attempts:
//
//	err := retry.Do(ctx, retry.Publish(), func() error {
//	    return transport.PublishMsg(ctx, msg)
//	})
//	if errors.Is(err, retry.ErrExhausted) {
//	    return errs.ErrBrokerUnavailable
//	}
//
// Errors wrapped with NonRetryable, or rejected by Config.Retryable, stop the
// loop immediately and are returned as-is. Do respects context cancellation
// during both the call and the backoff sleep.
package retry
