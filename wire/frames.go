package wire

import (
	"encoding/binary"
	"io"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Each message on a gRPC stream is a length-prefixed frame:
//
//	[compressed: 1 byte][length: 4 bytes big-endian][payload: length bytes]
//
// with compressed=1 meaning the payload is compressed with the stream's
// negotiated encoding.
const frameHeaderLen = 5

// DefaultMaxRecvSize is the default limit on the size of a single received
// message payload.
const DefaultMaxRecvSize = 4 * 1024 * 1024

// WriteFrame writes one length-prefixed message to w and flushes it if w
// supports flushing, so that a frame is never left sitting in a buffer
// while the peer waits on it. The header and the payload are separate
// writes, so an error from the underlying writer can leave a partial frame
// behind: it poisons the stream and the caller must not write again.
func WriteFrame(w io.Writer, payload []byte, compressed bool) error {
	hdr := make([]byte, frameHeaderLen)
	if compressed {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ReadFrame reads one length-prefixed message from r. A clean EOF on the
// frame boundary is returned as io.EOF (end of the message sequence); a
// stream that ends mid-frame is io.ErrUnexpectedEOF. A frame longer than
// maxSize is a ResourceExhausted status error, and the stream must be
// considered poisoned since the payload is left unconsumed.
func ReadFrame(r io.Reader, maxSize int) (payload []byte, compressed bool, err error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, false, io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	if hdr[0] > 1 {
		return nil, false, status.Errorf(codes.Internal, "grpc: received frame with reserved compression flag %d", hdr[0])
	}
	compressed = hdr[0] == 1
	length := binary.BigEndian.Uint32(hdr[1:])
	if int64(length) > int64(maxSize) {
		return nil, false, status.Errorf(codes.ResourceExhausted, "grpc: received message larger than max (%d vs. %d)", length, maxSize)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	return payload, compressed, nil
}
