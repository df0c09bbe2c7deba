package wire

import (
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestTimeoutCodec(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1H", time.Hour},
		{"3M", 3 * time.Minute},
		{"10S", 10 * time.Second},
		{"50m", 50 * time.Millisecond},
		{"250u", 250 * time.Microsecond},
		{"4n", 4 * time.Nanosecond},
		{"99999999S", 99999999 * time.Second},
	}
	for _, c := range cases {
		got, err := DecodeTimeout(c.in)
		if err != nil {
			t.Fatalf("DecodeTimeout(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("DecodeTimeout(%q) = %v; want %v", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"", "1", "H", "12", "1X", "123456789S", "abcm"} {
		if _, err := DecodeTimeout(bad); err == nil {
			t.Fatalf("DecodeTimeout(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestEncodeTimeoutRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		time.Nanosecond,
		17 * time.Millisecond,
		3 * time.Second,
		90 * time.Minute,
		1000 * time.Hour,
	} {
		enc := EncodeTimeout(d)
		dec, err := DecodeTimeout(enc)
		if err != nil {
			t.Fatalf("decoding %q (from %v): %v", enc, d, err)
		}
		// encoding rounds up to the chosen unit, never down
		if dec < d {
			t.Fatalf("EncodeTimeout(%v) = %q decodes to %v, which is shorter", d, enc, dec)
		}
	}
	if enc := EncodeTimeout(-time.Second); enc != "0n" {
		t.Fatalf("EncodeTimeout(negative) = %q; want 0n", enc)
	}
}

func TestGrpcMessageEncoding(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain ascii", "plain ascii"},
		{"", ""},
		{"100%", "100%25"},
		{"line\nbreak", "line%0Abreak"},
		{"héllo", "h%C3%A9llo"},
	}
	for _, c := range cases {
		enc := EncodeGrpcMessage(c.in)
		if enc != c.want {
			t.Fatalf("EncodeGrpcMessage(%q) = %q; want %q", c.in, enc, c.want)
		}
		if dec := DecodeGrpcMessage(enc); dec != c.in {
			t.Fatalf("DecodeGrpcMessage(%q) = %q; want %q", enc, dec, c.in)
		}
	}

	// malformed escapes pass through
	if dec := DecodeGrpcMessage("50%% off%"); dec != "50%% off%" {
		t.Fatalf("malformed escape mangled: %q", dec)
	}
}

func TestMetadataMapping(t *testing.T) {
	md := metadata.Pairs(
		"foo", "bar",
		"foo", "baz",
		"blob-bin", "\x00\x01\xfe",
		"grpc-status", "13", // reserved: must not be emitted
	)
	h := http.Header{}
	ToHeaders(md, h, "")

	if got := h.Values("foo"); len(got) != 2 {
		t.Fatalf("expected both values of foo; got %v", got)
	}
	if h.Get("Grpc-Status") != "" {
		t.Fatalf("reserved header leaked into output: %v", h)
	}
	if raw := h.Get("blob-bin"); raw == "\x00\x01\xfe" {
		t.Fatalf("binary value was not base64-encoded: %q", raw)
	}

	back, err := ToMetadata(h)
	if err != nil {
		t.Fatalf("ToMetadata: %v", err)
	}
	if got := back.Get("blob-bin"); len(got) != 1 || got[0] != "\x00\x01\xfe" {
		t.Fatalf("binary value did not round-trip: %q", got)
	}
	if got := back.Get("foo"); len(got) != 2 || got[0] != "bar" || got[1] != "baz" {
		t.Fatalf("duplicate values did not survive in order: %v", got)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	st := status.New(codes.FailedPrecondition, "not ready: 50% complete")
	stWithDetails, err := st.WithDetails(wrapperspb.String("extra"))
	if err != nil {
		t.Fatalf("WithDetails: %v", err)
	}

	h := http.Header{}
	WriteStatus(h, "", stWithDetails)

	got, ok := ReadStatus(h)
	if !ok {
		t.Fatalf("ReadStatus found no status in %v", h)
	}
	if got.Code() != codes.FailedPrecondition {
		t.Fatalf("wrong code: %v", got.Code())
	}
	if got.Message() != "not ready: 50% complete" {
		t.Fatalf("wrong message: %q", got.Message())
	}
	details := got.Details()
	if len(details) != 1 {
		t.Fatalf("wrong details: %v", details)
	}
	if sv, ok := details[0].(*wrapperspb.StringValue); !ok || sv.GetValue() != "extra" {
		t.Fatalf("wrong detail payload: %v", details[0])
	}
}

func TestReadStatusAbsent(t *testing.T) {
	if _, ok := ReadStatus(http.Header{}); ok {
		t.Fatal("ReadStatus reported a status for empty headers")
	}
}

func TestContentSubtype(t *testing.T) {
	cases := []struct {
		ct   string
		name string
		ok   bool
	}{
		{"application/grpc", "proto", true},
		{"application/grpc+proto", "proto", true},
		{"application/grpc+json", "json", true},
		{"application/json", "", false},
		{"text/html", "", false},
	}
	for _, c := range cases {
		name, ok := ContentSubtype(c.ct)
		if name != c.name || ok != c.ok {
			t.Fatalf("ContentSubtype(%q) = %q, %v; want %q, %v", c.ct, name, ok, c.name, c.ok)
		}
	}
}
