package transport

import "errors"

// ErrBufferDetached is returned when reading a buffer whose contents have
// been handed off to another context.
var ErrBufferDetached = errors.New("transport: buffer detached")

// Buffer is a transferable binary payload. Transferring moves the backing
// bytes without copying them; the original buffer is left detached and
// unusable, which is the whole point of the hand-off.
type Buffer struct {
	data     []byte
	detached bool
}

// NewBuffer wraps data in a transferable buffer. The buffer takes
// ownership of the slice.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the backing slice, or ErrBufferDetached after a transfer.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.detached {
		return nil, ErrBufferDetached
	}
	return b.data, nil
}

// Len returns the payload size, or 0 once detached.
func (b *Buffer) Len() int {
	if b.detached {
		return 0
	}
	return len(b.data)
}

// Detached reports whether the buffer's contents have been moved away.
func (b *Buffer) Detached() bool { return b.detached }

// Detach takes the backing bytes out of the buffer, leaving it detached.
func (b *Buffer) Detach() ([]byte, error) {
	if b.detached {
		return nil, ErrBufferDetached
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}

// Move detaches each buffer and rewraps its bytes in a fresh Buffer. The
// returned buffers are the ones that travel with the message; the inputs
// become unusable in the sending context. Already-detached buffers move as
// empty, matching a double send of the same payload.
func Move(bufs []*Buffer) []*Buffer {
	moved := make([]*Buffer, len(bufs))
	for i, b := range bufs {
		data, err := b.Detach()
		if err != nil {
			moved[i] = NewBuffer(nil)
			continue
		}
		moved[i] = NewBuffer(data)
	}
	return moved
}
