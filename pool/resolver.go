package pool

import "github.com/altgrid/grpcmesh/h2grpc"

// Resolver turns a target into the current set of endpoints. The default
// is a pass-through of statically configured endpoints; plug in a custom
// Resolver to integrate naming systems. Resolve is called once at channel
// start and again on every refresh tick when a refresh interval is
// configured; the channel diffs the result against its live set, starting
// subchannels for new endpoints and stopping removed ones.
type Resolver interface {
	Resolve(target string) ([]h2grpc.Endpoint, error)
}

// StaticResolver resolves every target to a fixed endpoint list.
type StaticResolver []h2grpc.Endpoint

func (r StaticResolver) Resolve(string) ([]h2grpc.Endpoint, error) {
	return r, nil
}
