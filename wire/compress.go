package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Compressor compresses and decompresses whole message payloads for a
// stream encoding. Implementations must be safe for concurrent use.
type Compressor interface {
	// Name is the encoding name advertised in grpc-encoding and
	// grpc-accept-encoding headers.
	Name() string
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// Identity is the name of the no-op encoding. It is always supported and
// never appears as a frame's compression flag.
const Identity = "identity"

var (
	compressorMu sync.RWMutex
	compressors  = map[string]Compressor{}
)

// RegisterCompressor makes a compressor available by name to all streams.
// Registration is expected to happen at init time; registering the identity
// encoding panics. A later registration under the same name wins.
func RegisterCompressor(c Compressor) {
	if c.Name() == Identity {
		panic("wire: cannot re-register the identity encoding")
	}
	compressorMu.Lock()
	defer compressorMu.Unlock()
	compressors[c.Name()] = c
}

// GetCompressor returns the named compressor. The identity name (or "")
// returns nil, nil: no compressor is needed. An unregistered name returns
// an error listing it.
func GetCompressor(name string) (Compressor, error) {
	if name == "" || name == Identity {
		return nil, nil
	}
	compressorMu.RLock()
	defer compressorMu.RUnlock()
	if c, ok := compressors[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("grpc: compressor %q is not registered", name)
}

// AcceptEncoding returns the comma-separated list of supported encodings,
// suitable for the grpc-accept-encoding header.
func AcceptEncoding() string {
	compressorMu.RLock()
	defer compressorMu.RUnlock()
	names := make([]string, 0, len(compressors)+1)
	names = append(names, Identity)
	for name := range compressors {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Accepts reports whether the given grpc-accept-encoding header value
// (comma-separated names) includes the named encoding.
func Accepts(acceptEncoding, name string) bool {
	if name == "" || name == Identity {
		return true
	}
	for _, a := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(a) == name {
			return true
		}
	}
	return false
}

func init() {
	RegisterCompressor(newGzipCompressor())
}

// gzipCompressor pools writers: gzip.NewWriter allocates large internal
// buffers that are worth re-using across messages.
type gzipCompressor struct {
	pool sync.Pool
}

func newGzipCompressor() *gzipCompressor {
	return &gzipCompressor{
		pool: sync.Pool{
			New: func() any {
				return gzip.NewWriter(io.Discard)
			},
		},
	}
}

func (c *gzipCompressor) Name() string { return "gzip" }

func (c *gzipCompressor) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	z := c.pool.Get().(*gzip.Writer)
	defer c.pool.Put(z)
	z.Reset(&buf)
	if _, err := z.Write(p); err != nil {
		return nil, err
	}
	if err := z.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *gzipCompressor) Decompress(p []byte) ([]byte, error) {
	z, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer z.Close()
	return io.ReadAll(z)
}
