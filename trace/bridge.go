package trace

import (
	"fmt"
	"strings"
	"sync"
)

// Bridge envelopes local errors for transport and reconstructs remote
// envelopes into real errors with a merged stack. Each peer owns one Bridge;
// there is no package-level default.
type Bridge struct {
	mu    sync.RWMutex
	ctors map[string]func(message string) error
}

// NewBridge creates a Bridge with an empty constructor registry.
func NewBridge() *Bridge {
	return &Bridge{ctors: make(map[string]func(string) error)}
}

// Register maps an envelope name to a constructor used during
// reconstruction. When an envelope with that name arrives, the reconciled
// error unwraps to ctor(message), so errors.As against the registered type
// works across the boundary. Last registration for a name wins.
func (b *Bridge) Register(name string, ctor func(message string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctors[name] = ctor
}

// Encode turns a local error into a transportable envelope. frames should
// be captured at the catch point in the failing context; when err is itself
// a RemoteError from an earlier hop, its original frames are kept instead
// so the true origin survives re-propagation.
func (b *Bridge) Encode(err error, frames []Frame) *Envelope {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return &Envelope{Name: re.Name, Message: re.Message, Props: re.Props, Frames: re.Frames}
	}
	env := &Envelope{Message: err.Error(), Frames: frames}
	if n, ok := err.(Namer); ok {
		env.Name = n.ErrorName()
	} else {
		env.Name = typeName(err)
	}
	if p, ok := err.(Propertied); ok {
		env.Props = p.ErrorProperties()
	}
	return env
}

// Reconcile merges a remote envelope with the local call site into one
// error. Remote frames come first, then the caller's frames, so the
// combined stack reads "where it failed" down to "who called it".
func (b *Bridge) Reconcile(site CallSite, env *Envelope) error {
	if env == nil {
		return nil
	}
	merged := make([]Frame, 0, len(env.Frames)+len(site.frames))
	merged = append(merged, env.Frames...)
	merged = append(merged, site.frames...)

	re := &RemoteError{
		Name:    env.Name,
		Message: env.Message,
		Props:   env.Props,
		Frames:  merged,
	}
	b.mu.RLock()
	ctor := b.ctors[env.Name]
	b.mu.RUnlock()
	if ctor != nil {
		re.cause = ctor(env.Message)
	}
	return re
}

// RemoteError is an error reconstructed from a remote envelope. When the
// envelope's name was registered on the bridge, Unwrap exposes the typed
// constructor result so errors.Is / errors.As behave as if the error had
// been raised locally.
type RemoteError struct {
	Name    string
	Message string
	Props   map[string]any
	Frames  []Frame

	cause error
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the locally reconstructed typed error, if any.
func (e *RemoteError) Unwrap() error { return e.cause }

// ErrorName implements Namer so a RemoteError keeps its name when it is
// enveloped again on a further hop.
func (e *RemoteError) ErrorName() string { return e.Name }

// ErrorProperties implements Propertied.
func (e *RemoteError) ErrorProperties() map[string]any { return e.Props }

// Stack formats the combined frame list, one frame per line.
func (e *RemoteError) Stack() string {
	var sb strings.Builder
	for _, f := range e.Frames {
		fmt.Fprintf(&sb, "\t%s\n\t\t%s:%d\n", f.Function, f.File, f.Line)
	}
	return sb.String()
}
