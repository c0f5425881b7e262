// Package contracts defines the wire-level data model shared by the relay,
// the principal transport and the cloud endpoint.
//
// It covers:
//   - Message: an opaque body plus string headers
//   - Principal: the authenticated tenant/role/id triple a session acts as
//   - Address: the queue naming scheme (shared cloud queue, private queues,
//     internal trigger queues and their poison queues)
//
// Header keys under the "Relay." prefix are stamped by the relay and must never
// be supplied by a principal.
package contracts
