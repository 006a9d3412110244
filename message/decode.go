package message

import (
	"encoding/json"
	"fmt"
	"reflect"

	"worker-rpc/transfer"
	"worker-rpc/transport"
)

// Decode copies a message body into dst. In-process the body is already
// the right struct and is assigned directly; after a stream transport it is
// an untyped map and takes the JSON round trip. dst must be a non-nil
// pointer.
func Decode(body any, dst any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("message: decode target must be a non-nil pointer, got %T", dst)
	}
	if body == nil {
		dv.Elem().SetZero()
		return nil
	}
	bv := reflect.ValueOf(body)
	if bv.Type() == dv.Type() {
		dv.Elem().Set(bv.Elem())
		return nil
	}
	if bv.Type() == dv.Type().Elem() {
		dv.Elem().Set(bv)
		return nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("message: decode %T: %w", dst, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("message: decode %T: %w", dst, err)
	}
	return nil
}

// BufferRef stands in for a transferred buffer inside a payload. Buffers
// travel positionally in the message's transfer list; the payload only
// records which slot they occupy. The ref survives both codecs and the
// in-process fast path unchanged.
type BufferRef struct {
	Buf int `json:"$buffer"`
}

// ExtractTransfers consults the registry for each value, moves any marked
// buffers out of the sending context, and rewrites values that are
// themselves transferred buffers into BufferRefs. The returned buffers go
// on the outgoing message; marks are single-use, so a second send of the
// same value extracts nothing.
//
// Values are inspected shallowly: a transferred buffer must be a direct
// argument or the direct return value, not buried inside a composite.
func ExtractTransfers(reg *transfer.Registry, values []any) []*transport.Buffer {
	if reg == nil {
		return nil
	}
	var transfers []*transport.Buffer
	for i, v := range values {
		bufs := reg.Consume(v)
		if len(bufs) == 0 {
			continue
		}
		moved := transport.Move(bufs)
		if b, ok := v.(*transport.Buffer); ok {
			for j, orig := range bufs {
				if orig == b {
					values[i] = BufferRef{Buf: len(transfers) + j}
					break
				}
			}
		}
		transfers = append(transfers, moved...)
	}
	return transfers
}

// ResolveBuffers replaces a BufferRef (or its decoded map form) with the
// buffer from the transfer list. Non-ref values pass through untouched.
func ResolveBuffers(v any, transfers []*transport.Buffer) any {
	idx, ok := bufferIndex(v)
	if !ok || idx < 0 || idx >= len(transfers) {
		return v
	}
	return transfers[idx]
}

// ResolveArgBuffers applies ResolveBuffers to each argument in place.
func ResolveArgBuffers(args []any, transfers []*transport.Buffer) {
	for i := range args {
		args[i] = ResolveBuffers(args[i], transfers)
	}
}

func bufferIndex(v any) (int, bool) {
	switch ref := v.(type) {
	case BufferRef:
		return ref.Buf, true
	case *BufferRef:
		return ref.Buf, true
	case map[string]any:
		if len(ref) != 1 {
			return 0, false
		}
		raw, ok := ref["$buffer"]
		if !ok {
			return 0, false
		}
		switch n := raw.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		case uint64:
			return int(n), true
		}
	}
	return 0, false
}
