// Package h2grpc carries gRPC calls over HTTP/2 using the standard gRPC
// wire protocol: length-prefixed messages on the stream bodies, metadata as
// headers, terminal status in trailers (or in the sole HEADERS frame for
// trailer-only responses), grpc-timeout deadline propagation, and
// per-stream message compression.
//
// The Server side registers services via grpc.ServiceRegistrar and serves
// them over plaintext (h2c) or TLS HTTP/2 listeners; it also implements
// http.Handler so it can be mounted on an existing HTTP/2 server. The
// client side is the Subchannel: one HTTP/2 connection to one endpoint
// that originates streams and reconnects with backoff when the transport
// fails. Subchannels are usable directly as a channel, or pooled behind a
// balancer by the pool package.
//
// Because both halves speak the standard wire protocol, a Subchannel can
// call a stock grpc-go server and a stock grpc-go client can call this
// package's Server.
package h2grpc
