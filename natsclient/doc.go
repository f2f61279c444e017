// Package natsclient wraps the NATS Go client with a circuit breaker, slog
// logging, router metrics and header-aware publish/subscribe.
//
// The router uses core NATS for module traffic and station call requests, and
// a JetStream KV bucket for webhook subscriptions. Nothing here knows about
// OCPP; subjects and headers are chosen by the broker package.
//
// # Connection lifecycle
//
// A Client moves Disconnected → Connecting → Connected, and Connected ⇄
// Reconnecting while the underlying nats.Conn heals itself. After
// WithCircuitBreakerThreshold consecutive failures the client reports
// CircuitOpen and Connect, PublishMsg and SubscribeMsg fail fast with
// ErrCircuitOpen until the backoff elapses. Each time the circuit opens the
// backoff doubles, capped by WithMaxBackoff.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("ocpprouter-1"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// # Messaging
//
// PublishMsg sends a *nats.Msg so headers travel with the payload.
// SubscribeMsg joins a queue group when one is given, which is how several
// module instances share the load of one subject:
//
//	sub, err := client.SubscribeMsg(ctx, "ocpp.module.core", "core",
//	    func(ctx context.Context, msg *nats.Msg) {
//	        // one member of the "core" group sees each message
//	    })
//
// Handlers for one subscription run sequentially on that subscription's
// delivery goroutine. Callers that need concurrency hand off to a worker pool.
//
// # KV
//
// KVStore adds timeouts, a value size limit and typed not-found and conflict
// errors. Create writes only when the key is new.
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers and returns a
// connected client; its cleanup is registered with t.Cleanup.
package natsclient
