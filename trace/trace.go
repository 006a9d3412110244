// Package trace captures call-site stacks on one side of the worker
// boundary, envelopes errors thrown on the other side, and merges the two
// into a single coherent error when a failed reply comes back.
//
// The flow for one failing call:
//
//	caller side:  site := trace.Capture(0)          (before the async gap)
//	remote side:  env := bridge.Encode(err, frames) (when the handler fails)
//	caller side:  err := bridge.Reconcile(site, env)
//
// The reconciled error carries the remote frames first ("where it failed")
// followed by the local frames ("who called it").
package trace

import (
	"context"
	"reflect"
	"runtime"
	"strings"
)

// Frame is one structured stack frame. The runtime is the stack parser:
// frames are produced by runtime.Callers + runtime.CallersFrames, never by
// parsing a formatted trace string.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Envelope is the transportable form of an error: its name, message, any
// enumerable properties the error chose to expose, and the frames captured
// in the context where it originated.
type Envelope struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Props   map[string]any `json:"props,omitempty"`
	Frames  []Frame        `json:"frames,omitempty"`
}

// CallSite holds the frames captured synchronously at a call site, before
// the asynchronous gap of the RPC round trip.
type CallSite struct {
	frames []Frame
}

// Frames returns the captured frames.
func (s CallSite) Frames() []Frame { return s.frames }

// Capture records the current goroutine's stack as structured frames.
// skip counts additional frames to drop beyond Capture itself, so a proxy
// trampoline can exclude its own invocation frame from the caller's view.
func Capture(skip int) CallSite {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2+skip, pcs)
	if n == 0 {
		return CallSite{}
	}
	iter := runtime.CallersFrames(pcs[:n])
	frames := make([]Frame, 0, n)
	for {
		f, more := iter.Next()
		frames = append(frames, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return CallSite{frames: frames}
}

type callSiteKey struct{}

// WithCallSite attaches a captured call site to ctx so it survives the trip
// through the middleware chain down to the code that sends the message.
func WithCallSite(ctx context.Context, site CallSite) context.Context {
	return context.WithValue(ctx, callSiteKey{}, site)
}

// CallSiteFrom returns the call site attached to ctx, or an empty one.
func CallSiteFrom(ctx context.Context) CallSite {
	if s, ok := ctx.Value(callSiteKey{}).(CallSite); ok {
		return s
	}
	return CallSite{}
}

// Namer lets an error control the name used in its envelope. Without it the
// name falls back to the error's Go type name.
type Namer interface {
	ErrorName() string
}

// Propertied lets an error attach transportable key/value properties that
// will be copied onto the reconstructed error on the other side.
type Propertied interface {
	ErrorProperties() map[string]any
}

// typeName derives an envelope name from the error's dynamic type, e.g.
// *pkg.RangeError -> "RangeError".
func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "Error"
	}
	name := t.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "errorString" || name == "wrapError" {
		return "Error"
	}
	return name
}
