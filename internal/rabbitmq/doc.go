// Package rabbitmq provides the broker-facing half of mqpool.
//
// This package includes:
//   - Pool: a bounded set of connections split into publish and consume sides,
//     with channels packed onto as few connections as possible
//   - the publish pipeline: a background loop that keeps one publish channel staged
//   - the idle reaper: a periodic sweep that closes unused channels and connections
//   - topology helpers for exchanges, queues and bindings
//
// The broker is reached through the Dialer, Connection and Channel interfaces.
// AMQPDialer implements them with amqp091-go; package amqptest provides an
// in-memory broker for tests.
package rabbitmq
