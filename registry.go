package grpcmesh

import (
	"fmt"
	"reflect"

	"google.golang.org/grpc"
)

// ServiceRegistry accumulates service definitions. Servers implement this
// interface for accumulating the services they expose.
type ServiceRegistry interface {
	// RegisterService registers the given handler to be used for the given
	// service. Only a single handler can be registered for a given service.
	// Services are identified by their fully-qualified name (e.g.
	// "package.name.Service"). Attempting to register the same service more
	// than once panics.
	RegisterService(desc *grpc.ServiceDesc, srv interface{})
}

var _ ServiceRegistry = (*grpc.Server)(nil)

// HandlerMap accumulates service handlers into a map keyed by the service's
// fully-qualified name. The handlers can be registered once in the map and
// then re-used to configure multiple servers that should expose the same
// services. HandlerMap also serves as the internal registry of a server
// implementation: the dispatch path reads it without locks, so it must not
// be mutated after the server starts serving.
type HandlerMap map[string]service

var _ ServiceRegistry = HandlerMap(nil)

type service struct {
	desc    *grpc.ServiceDesc
	handler interface{}
}

// RegisterService registers the given handler to be used for the given
// service. The handler must implement the service's handler interface
// (desc.HandlerType); registering a mismatched handler, or registering the
// same service twice, panics.
func (r HandlerMap) RegisterService(desc *grpc.ServiceDesc, h interface{}) {
	ht := reflect.TypeOf(desc.HandlerType).Elem()
	st := reflect.TypeOf(h)
	if !st.Implements(ht) {
		panic(fmt.Sprintf("service %s: handler of type %v does not satisfy %v", desc.ServiceName, st, ht))
	}
	if _, ok := r[desc.ServiceName]; ok {
		panic(fmt.Sprintf("service %s: handler already registered", desc.ServiceName))
	}
	r[desc.ServiceName] = service{desc: desc, handler: h}
}

// QueryService returns the service descriptor and handler for the named
// service. If no handler has been registered for the named service, then
// nil, nil is returned.
func (r HandlerMap) QueryService(name string) (*grpc.ServiceDesc, interface{}) {
	svc := r[name]
	return svc.desc, svc.handler
}

// ForEach calls the given function for each registered handler. The function
// is provided the service description and the handler. This can be used to
// contribute all registered handlers to a server:
//
//	reg := grpcmesh.HandlerMap{}
//	foopb.RegisterFooBarServer(reg, newFooBarImpl())
//
//	// Expose the same handlers via multiple servers:
//	svr := grpc.NewServer()
//	reg.ForEach(svr.RegisterService)
//	h2svr := h2grpc.NewServer()
//	reg.ForEach(h2svr.RegisterService)
func (r HandlerMap) ForEach(fn func(desc *grpc.ServiceDesc, svr interface{})) {
	for _, svc := range r {
		fn(svc.desc, svc.handler)
	}
}

// GetServiceInfo returns information about the registered services, in the
// same shape that a *grpc.Server reports it.
func (r HandlerMap) GetServiceInfo() map[string]grpc.ServiceInfo {
	info := map[string]grpc.ServiceInfo{}
	for name, svc := range r {
		methods := make([]grpc.MethodInfo, 0, len(svc.desc.Methods)+len(svc.desc.Streams))
		for _, md := range svc.desc.Methods {
			methods = append(methods, grpc.MethodInfo{Name: md.MethodName})
		}
		for _, sd := range svc.desc.Streams {
			methods = append(methods, grpc.MethodInfo{
				Name:           sd.StreamName,
				IsClientStream: sd.ClientStreams,
				IsServerStream: sd.ServerStreams,
			})
		}
		info[name] = grpc.ServiceInfo{Methods: methods, Metadata: svc.desc.Metadata}
	}
	return info
}
