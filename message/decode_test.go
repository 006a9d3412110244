package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-rpc/transfer"
	"worker-rpc/transport"
)

func TestDecodeInProcessFastPath(t *testing.T) {
	body := &ExecRequest{Chain: []string{"math", "add"}, Args: []any{2, 3}}

	var byPointer ExecRequest
	require.NoError(t, Decode(body, &byPointer))
	assert.Equal(t, []string{"math", "add"}, byPointer.Chain)

	var byValue ExecRequest
	require.NoError(t, Decode(*body, &byValue))
	assert.Equal(t, body.Args, byValue.Args)
}

func TestDecodeFromUntypedMap(t *testing.T) {
	// What an ExecRequest looks like after a codec round trip.
	body := map[string]any{
		"chain": []any{"math", "add"},
		"args":  []any{float64(2), float64(3)},
	}
	var req ExecRequest
	require.NoError(t, Decode(body, &req))
	assert.Equal(t, []string{"math", "add"}, req.Chain)
	assert.Equal(t, []any{float64(2), float64(3)}, req.Args)
}

func TestDecodeNilBodyZeroes(t *testing.T) {
	req := ExecRequest{Chain: []string{"stale"}}
	require.NoError(t, Decode(nil, &req))
	assert.Empty(t, req.Chain)
}

func TestDecodeRejectsBadTarget(t *testing.T) {
	var req ExecRequest
	assert.Error(t, Decode(map[string]any{}, req))
	assert.Error(t, Decode(map[string]any{}, (*ExecRequest)(nil)))
}

func TestExtractTransfersRewritesBufferArg(t *testing.T) {
	reg := transfer.NewRegistry()
	buf := transport.NewBuffer([]byte("pixels"))
	require.NoError(t, reg.Mark(buf))

	args := []any{"resize", buf}
	transfers := ExtractTransfers(reg, args)

	require.Len(t, transfers, 1)
	assert.Equal(t, "resize", args[0])
	assert.Equal(t, BufferRef{Buf: 0}, args[1])

	// The original buffer moved out of this context.
	assert.True(t, buf.Detached())
	data, err := transfers[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), data)
}

func TestExtractTransfersCarrierValue(t *testing.T) {
	reg := transfer.NewRegistry()
	buf := transport.NewBuffer([]byte("inner"))
	carrier := map[string]any{"kind": "frame"}
	require.NoError(t, reg.Mark(carrier, buf))

	args := []any{carrier}
	transfers := ExtractTransfers(reg, args)

	require.Len(t, transfers, 1)
	// The carrier is not itself a buffer, so it stays in place.
	assert.Equal(t, carrier, args[0])
	assert.True(t, buf.Detached())
}

func TestExtractTransfersSecondSendMovesNothing(t *testing.T) {
	reg := transfer.NewRegistry()
	buf := transport.NewBuffer([]byte("once"))
	require.NoError(t, reg.Mark(buf))

	first := ExtractTransfers(reg, []any{buf})
	require.Len(t, first, 1)

	second := ExtractTransfers(reg, []any{buf})
	assert.Empty(t, second)
}

func TestExtractTransfersNilRegistry(t *testing.T) {
	assert.Nil(t, ExtractTransfers(nil, []any{1, 2}))
}

func TestResolveBuffers(t *testing.T) {
	buf := transport.NewBuffer([]byte("data"))
	transfers := []*transport.Buffer{buf}

	assert.Same(t, buf, ResolveBuffers(BufferRef{Buf: 0}, transfers))
	assert.Same(t, buf, ResolveBuffers(&BufferRef{Buf: 0}, transfers))

	// The decoded map shape after a codec round trip.
	assert.Same(t, buf, ResolveBuffers(map[string]any{"$buffer": float64(0)}, transfers))

	// Non-refs and out-of-range refs pass through untouched.
	assert.Equal(t, "plain", ResolveBuffers("plain", transfers))
	assert.Equal(t, BufferRef{Buf: 5}, ResolveBuffers(BufferRef{Buf: 5}, transfers))
	other := map[string]any{"$buffer": float64(0), "extra": true}
	assert.Equal(t, other, ResolveBuffers(other, transfers))
}

func TestResolveArgBuffers(t *testing.T) {
	a := transport.NewBuffer([]byte("a"))
	b := transport.NewBuffer([]byte("b"))
	args := []any{BufferRef{Buf: 1}, "middle", BufferRef{Buf: 0}}

	ResolveArgBuffers(args, []*transport.Buffer{a, b})
	assert.Same(t, b, args[0])
	assert.Equal(t, "middle", args[1])
	assert.Same(t, a, args[2])
}

func TestBufferRefSurvivesDecode(t *testing.T) {
	var ref BufferRef
	require.NoError(t, Decode(map[string]any{"$buffer": float64(3)}, &ref))
	assert.Equal(t, 3, ref.Buf)
}
