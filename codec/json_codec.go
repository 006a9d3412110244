package codec

import (
	"encoding/json"
)

// JSONCodec serializes frame bodies with encoding/json, the default for
// stream-bridged workers. Frames stay inspectable on the wire, which is
// worth a lot when debugging a subprocess over stdio; transferred buffer
// bytes pay a base64 round trip that the CBOR codec avoids.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
