// Package protocol implements the binary frame that carries port traffic
// across a byte stream (a worker subprocess's stdio).
//
// A fixed-size 42-byte header precedes a variable-length body. The reader
// consumes the header first to learn the body length, then reads exactly
// that many bytes, which keeps frame boundaries intact on a stream with no
// built-in message framing.
//
// Frame format:
//
//	0      3  4  5  6        22        38        42
//	┌──────┬──┬──┬──┬────────┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│k │  dest  │  reply  │ bodyLen │    body ...   │
//	│ wrp  │01│  │  │ 16B id │ 16B id  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴────────┴─────────┴─────────┴───────────────┘
//
// dest addresses the receiving side's port; reply, when non-zero, is the
// id under which the sender will accept this frame's reply. Ids replace the
// structural correlation that port object identity gives in-process.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wrp" (worker-rpc protocol). Rejects streams that are
// not speaking this protocol at the first frame.
const (
	MagicByte1 byte = 0x77 // 'w'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 42 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 16 (dest) + 16 (reply) + 4 (bodyLen)
)

// Kind distinguishes frame purposes.
type Kind byte

const (
	KindData  Kind = 0 // A message for the port addressed by Dest
	KindClose Kind = 1 // The port addressed by Dest was closed on the sender's side
)

// ID is a 16-byte port identity. The zero ID addresses the peer's root
// port.
type ID [16]byte

// IsZero reports whether the id addresses the root port.
func (id ID) IsZero() bool { return id == ID{} }

// Header is the fixed frame header.
type Header struct {
	CodecType byte // Serialization format of the body
	Kind      Kind
	Dest      ID     // Receiving port on the remote side
	Reply     ID     // Where the remote should address the reply, zero if none
	BodyLen   uint32 // Body length in bytes
}

// maxBodyLen caps a frame body. A corrupted length field must not make the
// reader allocate gigabytes.
const maxBodyLen = 64 << 20

// Encode writes one complete frame (header + body) to w. The caller must
// serialize concurrent writers, otherwise interleaved frames corrupt the
// stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Kind)
	copy(buf[6:22], h.Dest[:])
	copy(buf[22:38], h.Reply[:])
	binary.BigEndian.PutUint32(buf[38:42], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r, validating magic, version, and
// kind. io.ReadFull guarantees exactly N bytes per section, so partial
// reads never desynchronize the stream.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	kind := Kind(headerBuf[5])
	if kind != KindData && kind != KindClose {
		return nil, nil, fmt.Errorf("unsupported frame kind: %d", headerBuf[5])
	}

	h := &Header{
		CodecType: headerBuf[4],
		Kind:      kind,
		BodyLen:   binary.BigEndian.Uint32(headerBuf[38:42]),
	}
	copy(h.Dest[:], headerBuf[6:22])
	copy(h.Reply[:], headerBuf[22:38])

	if h.BodyLen > maxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
