package grpcmesh_test

import (
	"testing"

	"github.com/altgrid/grpcmesh"
	"github.com/altgrid/grpcmesh/meshtesting"
)

func TestHandlerMapDuplicateRegistration(t *testing.T) {
	handlers := grpcmesh.HandlerMap{}
	meshtesting.RegisterTestServiceServer(handlers, &meshtesting.TestServer{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	meshtesting.RegisterTestServiceServer(handlers, &meshtesting.TestServer{})
}

func TestHandlerMapServiceInfo(t *testing.T) {
	handlers := grpcmesh.HandlerMap{}
	meshtesting.RegisterTestServiceServer(handlers, &meshtesting.TestServer{})

	info := handlers.GetServiceInfo()
	svc, ok := info["meshtesting.TestService"]
	if !ok {
		t.Fatalf("service missing from info: %v", info)
	}
	byName := map[string]bool{}
	for _, m := range svc.Methods {
		byName[m.Name] = true
	}
	for _, want := range []string{"Unary", "ClientStream", "ServerStream", "BidiStream"} {
		if !byName[want] {
			t.Fatalf("method %s missing from service info: %v", want, svc.Methods)
		}
	}
}
