// Package bridge provides synchronous request-response on top of the
// relay's asynchronous private queues.
//
// A request is sent through the relay and the caller blocks until a reply
// correlated with the request's message id arrives on the private queue:
//
//	b, _ := bridge.NewSyncAsyncBridge(client)
//	go b.Run(ctx, client)
//
//	reply, err := b.Request(ctx, contracts.CloudQueue, msg, 30*time.Second)
//
// Run drains the private queue. Replies are matched and acknowledged;
// anything else goes to the fallback handler.
package bridge
