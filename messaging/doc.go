// Package messaging holds the queue-facing halves of the relay.
//
// On the cloud side a Broker carries the trigger queues (cloud queue,
// cloud outbound, monitor and copy retry queues) with delayed publish and
// per-queue handlers. MemoryBroker is the in-process implementation; the
// RabbitMQ transport lives in transports/rabbitmq.
//
// On the principal side ReliableTransport drains a private queue:
//   - Receive only polls while a "new message" notification is pending
//   - Ack deletes with the latest pop receipt, Nack makes the message visible again
//   - an optional renewal loop extends locks that are past half their lifetime
//   - Transaction buffers sends until Commit and unwraps deferred sends
//
// Example usage:
//
//	transport := messaging.NewReliableTransport(privateQueue, pushClient,
//		messaging.WithAutoRenew(10*time.Second))
//	go transport.Start(ctx)
//	defer transport.Close()
//
//	pushClient.OnNewMessage(transport.NotifyNewMessage)
//	for {
//		m, err := transport.Receive(ctx)
//		...
//	}
package messaging
