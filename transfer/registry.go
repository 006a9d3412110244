// Package transfer keeps the side table that marks which values carry
// transferable buffers. Marks are keyed by object identity and are
// single-use: the first send that consults the table consumes the entry, so
// sending the same value twice only transfers buffers the first time.
//
// The registry does not own the buffers. It only records the intent to
// hand their ownership off on the next send.
package transfer

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"worker-rpc/transport"
)

var (
	// ErrNotTransferable flags a listed item that is not a transferable
	// buffer. Raised synchronously at mark time, never sent over the channel.
	ErrNotTransferable = errors.New("transfer: value is not a transferable buffer")

	// ErrNotMarkable flags a value without a stable identity. Only
	// reference-shaped values (pointers, maps, slices, channels, functions)
	// can key a mark.
	ErrNotMarkable = errors.New("transfer: value has no identity to mark")
)

// defaultCapacity bounds the arena so marks that are never consumed cannot
// grow it without limit; the oldest mark is evicted first.
const defaultCapacity = 1024

type key struct {
	ptr  uintptr
	kind reflect.Kind
}

// Registry associates values with the buffers to transfer on their next
// send. Safe for concurrent mark/consume: consume is an atomic removal.
//
// Keys hold only the value's address, never the value itself, so an entry
// does not keep its key alive. The flip side: if a marked value is collected
// before its mark is consumed, a later allocation can land at the same
// address and alias the stale mark. Marks are meant to be consumed by the
// send immediately following Mark; that convention plus the capacity bound
// keeps the aliasing window narrow.
type Registry struct {
	mu      sync.Mutex
	entries map[key][]*transport.Buffer
	order   []key
	cap     int
}

// NewRegistry creates a registry with the default capacity bound.
func NewRegistry() *Registry {
	return NewRegistryWithCapacity(defaultCapacity)
}

// NewRegistryWithCapacity creates a registry evicting the oldest mark once
// more than capacity marks are outstanding.
func NewRegistryWithCapacity(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{entries: make(map[key][]*transport.Buffer), cap: capacity}
}

// Mark records that value's next send should transfer the given buffers.
// With no explicit buffers the value itself must be the sole transferable.
// Marking the same value again replaces the previous mark.
func (r *Registry) Mark(value any, bufs ...*transport.Buffer) error {
	if len(bufs) == 0 {
		b, ok := value.(*transport.Buffer)
		if !ok {
			return fmt.Errorf("%w: %T", ErrNotTransferable, value)
		}
		bufs = []*transport.Buffer{b}
	}
	for _, b := range bufs {
		if b == nil {
			return fmt.Errorf("%w: nil buffer", ErrNotTransferable)
		}
	}
	k, err := identity(value)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[k]; !exists {
		r.order = append(r.order, k)
	}
	r.entries[k] = bufs
	r.evictLocked()
	return nil
}

// Consume removes and returns the buffers marked for value, or nil if no
// mark exists. Exactly one consumer wins when called concurrently.
func (r *Registry) Consume(value any) []*transport.Buffer {
	k, err := identity(value)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bufs, ok := r.entries[k]
	if !ok {
		return nil
	}
	delete(r.entries, k)
	return bufs
}

// Len reports the number of outstanding marks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictLocked drops the oldest still-live marks until the arena fits the
// capacity bound. The order slice may hold keys already consumed; those are
// compacted away as they are encountered.
func (r *Registry) evictLocked() {
	i := 0
	for len(r.entries) > r.cap && i < len(r.order) {
		k := r.order[i]
		i++
		delete(r.entries, k)
	}
	if i > 0 {
		r.order = r.order[i:]
	}
	// Compact consumed keys once the slice has grown well past the map.
	if len(r.order) > 2*r.cap {
		live := r.order[:0]
		for _, k := range r.order {
			if _, ok := r.entries[k]; ok {
				live = append(live, k)
			}
		}
		r.order = live
	}
}

// identity derives a stable map key from a value's address. Values without
// an address (plain structs, strings, numbers) cannot be marked.
func identity(value any) (key, error) {
	if value == nil {
		return key{}, ErrNotMarkable
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return key{ptr: v.Pointer(), kind: v.Kind()}, nil
	default:
		return key{}, fmt.Errorf("%w: %T", ErrNotMarkable, value)
	}
}
