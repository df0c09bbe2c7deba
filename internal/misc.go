package internal

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TranslateContextError converts the given error to a gRPC status error if
// it is a context error: context.DeadlineExceeded becomes a DeadlineExceeded
// status and context.Canceled becomes a Canceled status. Any other error is
// returned unchanged.
func TranslateContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return err
}

// StatusFromError is like status.FromError except that a code of OK on a
// non-nil error is rewritten to the given fallback code, preserving any
// error details. A server handler must not be able to fail a call while
// reporting success.
func StatusFromError(err error, fallback codes.Code) *status.Status {
	st, _ := status.FromError(err)
	if st.Code() == codes.OK {
		stpb := st.Proto()
		stpb.Code = int32(fallback)
		st = status.FromProto(stpb)
	}
	return st
}

// FindUnaryMethod returns the method descriptor for the named method, or
// nil if the method is not found in the given slice of descriptors.
func FindUnaryMethod(methodName string, methods []grpc.MethodDesc) *grpc.MethodDesc {
	for i := range methods {
		if methods[i].MethodName == methodName {
			return &methods[i]
		}
	}
	return nil
}

// FindStreamingMethod returns the stream descriptor for the named method, or
// nil if the method is not found in the given slice of descriptors.
func FindStreamingMethod(methodName string, methods []grpc.StreamDesc) *grpc.StreamDesc {
	for i := range methods {
		if methods[i].StreamName == methodName {
			return &methods[i]
		}
	}
	return nil
}
