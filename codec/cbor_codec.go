package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical options so the same payload always encodes to
// the same bytes regardless of which peer produced it. Decoding forces
// untyped maps to map[string]any so CBOR and JSON payloads look identical
// to the dispatch layer.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// CBORCodec is the compact binary alternative to JSON. Smaller frames and
// no base64 round trip for transferred buffer bytes.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
