// Package interceptors runs messages through ordered chains of
// cross-cutting handlers before they reach application code or leave
// the process.
//
// Identity enforcement lives here: IncomingTenantInterceptor rejects
// messages without a tenant, OutgoingTenantInterceptor carries the tenant
// of the message being handled onto replies and forwards, and
// DestinationValidator derives the addressed client or connector from the
// destination queue instead of trusting caller-supplied headers.
//
// Example usage:
//
//	outgoing := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithOutgoingTenant().
//		WithDestinationValidation().
//		WithLogging().
//		Build()
//
//	err := outgoing.Execute(interceptors.WithIncoming(ctx, received), env, publish)
//
// Interceptors run in chain order, with the final handler called last.
package interceptors
