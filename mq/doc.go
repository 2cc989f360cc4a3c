// Package mq is the application-facing half of mqpool.
//
// It provides:
//   - Envelope: the JSON wrapper every message travels in
//   - ConsumerSpec and Registry: work-queue, broadcast and topic consumers
//     declared at startup
//   - Publisher: enveloped publishing with idempotent topology declaration
//   - Binder: turns consumer specs into live subscriptions and dispatches
//     deliveries to handlers with retry limiting
//   - Supervisor: one rebind loop per consumer kind with linear backoff
//
// Channels come from the connection pool in internal/rabbitmq.
package mq
