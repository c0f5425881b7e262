// Package rabbitmq wraps amqp091-go with the pieces the relay broker needs:
//   - ConnectionManager: one connection with automatic reconnection
//   - ChannelPool: pooled channels with idle cleanup
//   - Publisher: confirmed publishes with retry
//   - Consumer: per-queue consumers with ack on success
//   - TopologyManager: dead-lettered work queues and TTL delay queues
package rabbitmq
