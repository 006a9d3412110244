package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{
		CodecType: 1,
		Kind:      KindData,
		Dest:      ID{1, 2, 3},
		Reply:     ID{9, 8, 7},
	}
	body := []byte(`{"type":"ping"}`)
	require.NoError(t, Encode(&buf, h, body))

	got, gotBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.CodecType, got.CodecType)
	assert.Equal(t, KindData, got.Kind)
	assert.Equal(t, h.Dest, got.Dest)
	assert.Equal(t, h.Reply, got.Reply)
	assert.Equal(t, body, gotBody)
	assert.Equal(t, uint32(len(body)), got.BodyLen)
}

func TestEmptyBodyFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindClose, Dest: ID{5}}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindClose, h.Kind)
	assert.Empty(t, body)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	raw[0], raw[1], raw[2] = 'b', 'a', 'd'
	_, _, err := Decode(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "invalid magic number")
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindData}, nil))
	raw := buf.Bytes()
	raw[3] = 0x7f
	_, _, err := Decode(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "unsupported version")
}

func TestDecodeRejectsBadKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindData}, nil))
	raw := buf.Bytes()
	raw[5] = 0x42
	_, _, err := Decode(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "unsupported frame kind")
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindData}, nil))
	raw := buf.Bytes()
	raw[38], raw[39], raw[40], raw[41] = 0xff, 0xff, 0xff, 0xff
	_, _, err := Decode(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "frame body too large")
}

func TestDecodeTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindData}, []byte("payload")))
	raw := buf.Bytes()

	_, _, err := Decode(bytes.NewReader(raw[:HeaderSize-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIDIsZero(t *testing.T) {
	assert.True(t, ID{}.IsZero())
	assert.False(t, ID{1}.IsZero())
}

func TestBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{Kind: KindData, Dest: ID{1}}, []byte("one")))
	require.NoError(t, Encode(&buf, &Header{Kind: KindData, Dest: ID{2}}, []byte("two")))

	h1, b1, err := Decode(&buf)
	require.NoError(t, err)
	h2, b2, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, ID{1}, h1.Dest)
	assert.Equal(t, []byte("one"), b1)
	assert.Equal(t, ID{2}, h2.Dest)
	assert.Equal(t, []byte("two"), b2)
}
