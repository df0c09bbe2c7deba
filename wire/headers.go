package wire

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	spb "google.golang.org/genproto/googleapis/rpc/status"
)

// Headers managed by the framework itself. User metadata under these names
// is discarded rather than sent or surfaced.
var reservedHeaders = map[string]struct{}{
	"content-type":            {},
	"te":                      {},
	"user-agent":              {},
	"grpc-status":             {},
	"grpc-message":            {},
	"grpc-status-details-bin": {},
	"grpc-timeout":            {},
	"grpc-encoding":           {},
	"grpc-accept-encoding":    {},
	// hop-by-hop HTTP headers that must not leak into metadata
	"accept-encoding":   {},
	"connection":        {},
	"content-length":    {},
	"keep-alive":        {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// IsReserved reports whether the given header name is framework-managed.
func IsReserved(name string) bool {
	_, ok := reservedHeaders[strings.ToLower(name)]
	return ok
}

// ToMetadata converts HTTP headers into gRPC metadata. Names are
// lower-cased, reserved names are skipped, and "-bin" values are
// base64-decoded. A malformed -bin value is an error; the caller treats
// the request as a protocol error.
func ToMetadata(header http.Header) (metadata.MD, error) {
	md := metadata.MD{}
	for k, vs := range header {
		k = strings.ToLower(k)
		if _, ok := reservedHeaders[k]; ok {
			continue
		}
		for _, v := range vs {
			if strings.HasSuffix(k, "-bin") {
				vv, err := decodeBinValue(v)
				if err != nil {
					return nil, fmt.Errorf("malformed binary metadata %q: %w", k, err)
				}
				v = string(vv)
			}
			md[k] = append(md[k], v)
		}
	}
	return md, nil
}

// ToHeaders merges gRPC metadata into HTTP headers, base64-encoding "-bin"
// values and skipping reserved names. An optional prefix is prepended to
// every name (used for http.TrailerPrefix when writing server trailers).
func ToHeaders(md metadata.MD, h http.Header, prefix string) {
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if _, ok := reservedHeaders[lowerK]; ok {
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.RawStdEncoding.EncodeToString([]byte(v))
			}
			h.Add(prefix+lowerK, v)
		}
	}
}

// decodeBinValue accepts both padded and unpadded base64, as peers are
// permitted to send either.
func decodeBinValue(v string) ([]byte, error) {
	if strings.ContainsAny(v, "+/") || !strings.ContainsAny(v, "-_") {
		if len(v)%4 == 0 {
			return base64.StdEncoding.DecodeString(v)
		}
		return base64.RawStdEncoding.DecodeString(v)
	}
	if len(v)%4 == 0 {
		return base64.URLEncoding.DecodeString(v)
	}
	return base64.RawURLEncoding.DecodeString(v)
}

// The grpc-timeout header is a decimal value of at most 8 digits plus a
// single-letter unit suffix.
const maxTimeoutValue = 1e8 - 1

// EncodeTimeout renders a timeout as a grpc-timeout header value, choosing
// the finest unit in which the value, rounded up, fits in 8 digits. Non-positive
// timeouts render as an already-expired "0n".
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	units := []struct {
		suffix byte
		unit   time.Duration
	}{
		{'n', time.Nanosecond},
		{'u', time.Microsecond},
		{'m', time.Millisecond},
		{'S', time.Second},
		{'M', time.Minute},
		{'H', time.Hour},
	}
	for _, u := range units {
		v := (int64(d) + int64(u.unit) - 1) / int64(u.unit) // round up
		if v <= maxTimeoutValue {
			return fmt.Sprintf("%d%c", v, u.suffix)
		}
	}
	// over 1e8 hours; clamp
	return fmt.Sprintf("%d%c", int64(maxTimeoutValue), 'H')
}

// DecodeTimeout parses a grpc-timeout header value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("grpc: timeout string too short: %q", s)
	}
	if len(s) > 9 {
		return 0, fmt.Errorf("grpc: timeout string too long: %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'H':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	case 'S':
		unit = time.Second
	case 'm':
		unit = time.Millisecond
	case 'u':
		unit = time.Microsecond
	case 'n':
		unit = time.Nanosecond
	default:
		return 0, fmt.Errorf("grpc: timeout unit is not recognized: %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grpc: malformed timeout: %q", s)
	}
	return time.Duration(v) * unit, nil
}

// EncodeGrpcMessage percent-encodes a status message for the grpc-message
// header. Bytes outside the printable ASCII range, and '%' itself, are
// rendered as %XX escapes of their UTF-8 encoding.
func EncodeGrpcMessage(msg string) string {
	clean := true
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			clean = false
			break
		}
	}
	if clean {
		return msg
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			fmt.Fprintf(&sb, "%%%02X", c)
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// DecodeGrpcMessage reverses EncodeGrpcMessage. Malformed escapes pass
// through untouched rather than failing the call.
func DecodeGrpcMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// WriteStatus records a call's terminal status into the given header set:
// grpc-status, grpc-message (percent-encoded, omitted when empty), and
// grpc-status-details-bin when the status carries details. The prefix is
// prepended to each name (http.TrailerPrefix for true trailers, "" for
// trailer-only responses).
func WriteStatus(h http.Header, prefix string, st *status.Status) {
	h.Set(prefix+"grpc-status", strconv.Itoa(int(st.Code())))
	if st.Message() != "" {
		h.Set(prefix+"grpc-message", EncodeGrpcMessage(st.Message()))
	}
	if stpb := st.Proto(); stpb != nil && len(stpb.Details) > 0 {
		if b, err := proto.Marshal(stpb); err == nil {
			h.Set(prefix+"grpc-status-details-bin", base64.RawStdEncoding.EncodeToString(b))
		}
	}
}

// ReadStatus recovers a terminal status from headers or trailers. If
// grpc-status is absent, ok is false: the peer terminated the stream
// without a status, which the caller reports as an Internal protocol
// error. The detailed status proto, when present and consistent with the
// code, takes precedence so that error details survive the trip.
func ReadStatus(h http.Header) (st *status.Status, ok bool) {
	codeStr := h.Get("Grpc-Status")
	if codeStr == "" {
		return nil, false
	}
	c, err := strconv.ParseInt(codeStr, 10, 32)
	if err != nil {
		return status.New(codes.Internal, fmt.Sprintf("malformed grpc-status %q", codeStr)), true
	}
	msg := DecodeGrpcMessage(h.Get("Grpc-Message"))
	if detailsB64 := h.Get("Grpc-Status-Details-Bin"); detailsB64 != "" {
		if b, err := decodeBinValue(detailsB64); err == nil {
			stpb := &spb.Status{}
			if err := proto.Unmarshal(b, stpb); err == nil && stpb.Code == int32(c) {
				return status.FromProto(stpb), true
			}
		}
	}
	return status.New(codes.Code(c), msg), true
}

// ContentSubtype extracts the codec name from a gRPC content-type. The
// bare "application/grpc" means the proto codec. A non-gRPC content type
// returns ok=false.
func ContentSubtype(contentType string) (name string, ok bool) {
	const base = "application/grpc"
	if !strings.HasPrefix(contentType, base) {
		return "", false
	}
	rest := contentType[len(base):]
	if rest == "" {
		return "proto", true
	}
	if rest[0] != '+' {
		return "", false
	}
	return rest[1:], true
}

// ContentType renders the content-type header for the named codec.
func ContentType(codecName string) string {
	if codecName == "" || codecName == "proto" {
		return "application/grpc+proto"
	}
	return "application/grpc+" + codecName
}
