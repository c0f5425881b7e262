// Package relay routes messages between principals and the cloud backend
// inside a tenant boundary.
//
// Principals (clients and connectors) send through SendMessage, which only
// admits the shared cloud queue and the caller's own role queue and stamps
// the caller's identity. Cloud replies arrive on the cloud outbound queue and
// are delivered by Deliver into one private queue or, for topic messages, to
// every subscriber of the topic. Attachments travel through the DataBus:
// blob copies between outbox and inbox containers that must be complete
// before the message referencing them is forwarded.
package relay
