// Package grpcmesh is a gRPC framework: servers and client channels that
// speak the standard gRPC-over-HTTP/2 wire protocol, with a pluggable
// balancer-backed channel pool on the client side.
//
// The framework re-uses the vocabulary types of google.golang.org/grpc —
// service descriptors, status codes, metadata, codecs, and the client and
// server stream interfaces — so generated stubs that target
// grpc.ClientConnInterface and grpc.ServiceRegistrar work against it
// unchanged. The engine underneath is implemented in the subpackages:
//
//	wire        length-prefixed message framing, header mapping, compressors
//	h2grpc      HTTP/2 server and subchannel (single-connection) client
//	pool        named multi-endpoint channels with balancers and resolvers
package grpcmesh

import (
	"context"

	"google.golang.org/grpc"
)

// Channel is an abstraction of a gRPC transport. It can originate calls of
// all four RPC shapes. A Channel implementation may be a single HTTP/2
// connection (h2grpc.Subchannel), a balancer-backed pool of connections
// (pool.Channel), or any other transport capable of carrying gRPC calls.
type Channel interface {
	// Invoke executes a unary RPC, sending the given req message and
	// populating the given resp with the server's reply.
	Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error

	// NewStream executes a streaming RPC.
	NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// Channel interface matches the relevant methods on ClientConn.
var _ Channel = (*grpc.ClientConn)(nil)
