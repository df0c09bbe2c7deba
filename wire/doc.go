// Package wire implements the byte-level pieces of the gRPC-over-HTTP/2
// protocol: length-prefixed message framing, per-stream message
// compression, the mapping between gRPC metadata and HTTP headers, the
// grpc-timeout codec, and the encoding of a call's terminal status into
// headers or trailers.
//
// Everything here is transport-agnostic plumbing shared by the server and
// client transports in the h2grpc package.
package wire
