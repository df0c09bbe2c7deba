// Package meshtesting helps with testing channel and server
// implementations. Its main value is in a method that, given a channel,
// will ensure the channel behaves correctly under various conditions.
//
// It tests successful RPCs and failures across all four kinds of RPCs:
// unary, client-streaming, server-streaming and bidirectional-streaming.
// Timeouts are tested for unary, client-streaming and server-streaming
// calls, and client-side cancellations for unary and client-streaming
// calls.
//
// The channel must be connected to a server that exposes the test server
// implementation contained in this package: &meshtesting.TestServer{}.
// The test service's request and response messages are structpb.Struct
// values, so the package needs no generated message code; the service
// descriptor and client stubs here are the static table a code generator
// would otherwise emit.
package meshtesting
