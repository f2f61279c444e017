// Package worker provides a generic, bounded worker pool.
//
// The router uses it to deliver webhook notifications off the protocol path:
// Submit never blocks, so a slow webhook endpoint can fill the queue and lose
// notifications but cannot stall a station's read loop.
//
//	pool := worker.NewPool(4, 256, deliver,
//	    worker.WithErrorHandler(func(ev Delivery, err error) {
//	        logger.Warn("webhook delivery failed", "url", ev.URL, "error", err)
//	    }),
//	)
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(d); errors.Is(err, worker.ErrQueueFull) {
//	    // dropped
//	}
package worker
