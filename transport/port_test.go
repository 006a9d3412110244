package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairDeliversAfterBind(t *testing.T) {
	a, b := Pair()
	b.Bind()

	a.Send(Message{Type: "ping"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", m.Type)
}

func TestSendBeforeBindIsDropped(t *testing.T) {
	a, b := Pair()

	// The peer has no receiver installed yet; this message must vanish.
	a.Send(Message{Type: "lost"})
	b.Bind()
	a.Send(Message{Type: "kept"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", m.Type)
}

func TestRecvBindsImplicitly(t *testing.T) {
	a, b := Pair()

	got := make(chan Message, 1)
	go func() {
		m, err := b.Recv(context.Background())
		if err == nil {
			got <- m
		}
	}()

	// Recv binds before blocking; poll until the send sticks.
	deadline := time.After(2 * time.Second)
	for {
		a.Send(Message{Type: "hello"})
		select {
		case m := <-got:
			assert.Equal(t, "hello", m.Type)
			return
		case <-deadline:
			t.Fatal("message never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCloseClosesBothSides(t *testing.T) {
	a, b := BoundPair()
	require.NoError(t, a.Close())

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())

	_, err := b.Recv(context.Background())
	assert.ErrorIs(t, err, ErrPortClosed)
	_, err = a.Recv(context.Background())
	assert.ErrorIs(t, err, ErrPortClosed)

	// Sends after close are silently dropped, never panic.
	a.Send(Message{Type: "late"})
	require.NoError(t, a.Close())
}

func TestRecvDrainsRaceWithClose(t *testing.T) {
	a, b := BoundPair()
	a.Send(Message{Type: "final"})
	require.NoError(t, b.Close())

	m, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "final", m.Type)

	_, err = b.Recv(context.Background())
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestRecvHonorsContext(t *testing.T) {
	_, b := BoundPair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplyPortCorrelation(t *testing.T) {
	a, b := Pair()
	b.Bind()

	local, remote := BoundPair()
	a.Send(Message{Type: "req", Reply: remote})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := b.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, req.Reply)
	req.Reply.Send(Message{Type: "req", Body: "answer"})

	rep, err := local.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", rep.Body)
}

func TestBufferDetachAndMove(t *testing.T) {
	buf := NewBuffer([]byte{1, 2, 3})
	assert.Equal(t, 3, buf.Len())
	assert.False(t, buf.Detached())

	moved := Move([]*Buffer{buf})
	require.Len(t, moved, 1)

	assert.True(t, buf.Detached())
	assert.Equal(t, 0, buf.Len())
	_, err := buf.Bytes()
	assert.ErrorIs(t, err, ErrBufferDetached)
	_, err = buf.Detach()
	assert.ErrorIs(t, err, ErrBufferDetached)

	data, err := moved[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestMoveDetachedBufferYieldsEmpty(t *testing.T) {
	buf := NewBuffer([]byte("payload"))
	_, err := buf.Detach()
	require.NoError(t, err)

	moved := Move([]*Buffer{buf})
	require.Len(t, moved, 1)
	assert.Equal(t, 0, moved[0].Len())
	assert.False(t, moved[0].Detached())
}

func TestReplyPoolRecycles(t *testing.T) {
	pool := NewReplyPool(4)
	l1, r1 := pool.Get()
	pool.Put(l1, r1)

	l2, r2 := pool.Get()
	assert.Same(t, l1, l2)
	assert.Same(t, r1, r2)
}

func TestReplyPoolDiscardsClosed(t *testing.T) {
	pool := NewReplyPool(4)
	l, r := pool.Get()
	l.Close()
	pool.Put(l, r)

	l2, _ := pool.Get()
	assert.NotSame(t, l, l2)
	assert.False(t, l2.Closed())
}

func TestReplyPoolDrainsStrayReply(t *testing.T) {
	pool := NewReplyPool(4)
	l, r := pool.Get()

	// A misbehaving peer replied twice; the stray must not leak into the
	// next call that reuses the pair.
	r.Send(Message{Type: "stray"})
	l.Send(Message{Type: "stray"})
	pool.Put(l, r)

	l2, _ := pool.Get()
	require.Same(t, l, l2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l2.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestZeroSizePoolAllocates(t *testing.T) {
	pool := NewReplyPool(0)
	l1, r1 := pool.Get()
	pool.Put(l1, r1)
	l2, _ := pool.Get()
	assert.NotSame(t, l1, l2)
}
