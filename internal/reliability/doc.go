// Package reliability provides the durable side of consumer retry handling.
//
//   - RedisRetryCounter shares per-message retry counts between processes
//   - DropJournal keeps dropped deliveries in SQLite for inspection
//   - CircuitBreaker cuts off a failing backend so consumers fall back quickly
//
// Both stores plug into the mq binder:
//
//	counter := reliability.NewRedisRetryCounter(redis.NewClient(opts), logger)
//	journal, err := reliability.OpenDropJournal(ctx, "drops.db")
//	binder := mq.NewBinder(pool,
//	    mq.WithRetryTracker(counter),
//	    mq.WithDropRecorder(journal),
//	)
package reliability
