package meshtesting

import (
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// The test service's message is a structpb.Struct with a handful of
// well-known fields:
//
//	payload   string  echoed back by every method
//	count     number  requested response count / reported request count
//	code      number  non-zero makes the handler fail with that status code
//	delay_ms  number  handler sleeps before responding
//	details   bool    failure status carries error details
//	headers   struct  metadata the handler sets as response headers
//	trailers  struct  metadata the handler sets as response trailers
//	md        struct  in responses: echo of the request metadata observed

// NewMessage builds a test message from the given fields.
func NewMessage(fields map[string]interface{}) *structpb.Struct {
	m, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	return m
}

func getString(m *structpb.Struct, key string) string {
	if v, ok := m.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func getInt(m *structpb.Struct, key string) int {
	if v, ok := m.GetFields()[key]; ok {
		return int(v.GetNumberValue())
	}
	return 0
}

func getBool(m *structpb.Struct, key string) bool {
	if v, ok := m.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

// getMetadata converts a struct-valued field into metadata.
func getMetadata(m *structpb.Struct, key string) metadata.MD {
	md := metadata.MD{}
	if v, ok := m.GetFields()[key]; ok {
		for k, val := range v.GetStructValue().GetFields() {
			md[k] = append(md[k], val.GetStringValue())
		}
	}
	return md
}

// mdAsValue renders metadata as a struct value so a response can echo the
// request metadata it observed. Multi-valued keys keep the first value,
// which is all the test cases need.
func mdAsValue(md metadata.MD) *structpb.Value {
	fields := map[string]*structpb.Value{}
	for k, vs := range md {
		if len(vs) > 0 {
			fields[k] = structpb.NewStringValue(vs[0])
		}
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}
