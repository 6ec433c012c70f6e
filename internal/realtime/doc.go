// Package realtime provides the pub/sub client abstraction behind the
// best-effort transport.
//
// Two implementations are available:
//   - RedisBroker: Redis pub/sub channels
//   - AMQPBroker: RabbitMQ fanout exchanges
//
// Both are at-most-once: a payload published while no subscriber listens
// is gone. The routing core never relies on this layer for durability.
package realtime
