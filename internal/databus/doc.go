// Package databus copies attachment blobs between tenant-scoped containers.
//
// A CopyRequest moves through three observable states: pending with no
// destination yet, copy in progress, and ready. A store-reported copy
// failure or a missing source is terminal. Every store mutation the engine
// issues is idempotent, so the same request may be processed from the
// inline path and the retry queue at the same time.
//
// The engine is driven from two places:
//
//	readiness := engine.Process(ctx, req)          // inline, bounded immediate retries
//	err := scheduler.Handle(ctx, retryQueueMessage) // durable retry queue trigger
package databus
