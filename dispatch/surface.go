// Package dispatch resolves an incoming call chain against a registered
// surface object and invokes the resolved function via reflection.
//
// A surface can be a map of names to values, a struct (fields and methods),
// or any mix nested under either. Resolution walks the chain one name at a
// time; when a step does not resolve, the name is retried against the root
// surface, which mirrors the "maybe it's a top-level method" lookup policy
// rather than strict nested traversal.
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"worker-rpc/trace"
)

// ChainError reports a chain that does not resolve to a callable value.
// It is delivered to the caller through the normal error-reply path and is
// not fatal to the peer.
type ChainError struct {
	Chain []string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("cannot resolve %q to a callable on the exposed surface", strings.Join(e.Chain, "."))
}

// ErrorName keeps the name stable across the boundary.
func (e *ChainError) ErrorName() string { return "ChainError" }

// ErrorProperties ships the unresolved chain to the caller.
func (e *ChainError) ErrorProperties() map[string]any {
	return map[string]any{"chain": e.Chain}
}

// Surface wraps the object a peer exposes to the other side.
type Surface struct {
	root reflect.Value
}

// New wraps a surface object. The object itself is never sent anywhere;
// only resolved results cross the channel.
func New(root any) *Surface {
	return &Surface{root: reflect.ValueOf(root)}
}

// Resolve walks the chain and returns the resolved function value.
func (s *Surface) Resolve(chain []string) (reflect.Value, error) {
	cur := s.root
	for i, name := range chain {
		next := lookup(cur, name)
		if !next.IsValid() && i > 0 {
			// Fall back to a root-level lookup before giving up.
			next = lookup(s.root, name)
		}
		if !next.IsValid() {
			return reflect.Value{}, &ChainError{Chain: chain}
		}
		cur = next
	}
	if !cur.IsValid() || cur.Kind() != reflect.Func || cur.IsNil() {
		return reflect.Value{}, &ChainError{Chain: chain}
	}
	return cur, nil
}

// Invoke resolves the chain and calls it with the given arguments. ctx is
// threaded through when the function's first parameter is a context. The
// function may return (T, error), T, error, or nothing. A panic in user
// code is recovered and reported as an ordinary error so the peer keeps
// serving afterwards.
func (s *Surface) Invoke(ctx context.Context, chain []string, args []any) (ret any, err error) {
	fn, err := s.Resolve(chain)
	if err != nil {
		return nil, err
	}
	in, err := buildArgs(ctx, fn.Type(), chain, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			ret = nil
			// The panicking frames are still on the stack here, so the
			// capture points at the real failure site.
			err = &PanicError{
				Chain: chain,
				Value: r,
				site:  trace.Capture(1),
			}
		}
	}()
	out := fn.Call(in)
	return splitResults(out)
}

// PanicError reports a panic in user surface code. The peer keeps serving;
// the panic is delivered to the caller like any other application error.
type PanicError struct {
	Chain []string
	Value any
	site  trace.CallSite
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", strings.Join(e.Chain, "."), e.Value)
}

// ErrorName keeps the name stable across the boundary.
func (e *PanicError) ErrorName() string { return "PanicError" }

// Frames exposes the frames captured at the panic site.
func (e *PanicError) Frames() []trace.Frame { return e.site.Frames() }

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// lookup reads one property from a value: a map entry, a struct field, or
// a method. Exact name first, then the exported spelling, since a chain
// like "math.add" usually targets Go's "Add".
func lookup(v reflect.Value, name string) reflect.Value {
	if !v.IsValid() {
		return reflect.Value{}
	}
	// Methods bind to the value as-is (pointer receivers included).
	if m := v.MethodByName(name); m.IsValid() {
		return m
	}
	if m := v.MethodByName(exported(name)); m.IsValid() {
		return m
	}

	elem := v
	for elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
		if elem.IsNil() {
			return reflect.Value{}
		}
		elem = elem.Elem()
	}
	switch elem.Kind() {
	case reflect.Map:
		if elem.Type().Key().Kind() != reflect.String {
			return reflect.Value{}
		}
		got := elem.MapIndex(reflect.ValueOf(name))
		if got.IsValid() {
			return unwrap(got)
		}
		return unwrap(elem.MapIndex(reflect.ValueOf(exported(name))))
	case reflect.Struct:
		if f := elem.FieldByName(name); f.IsValid() {
			return unwrap(f)
		}
		if f := elem.FieldByName(exported(name)); f.IsValid() {
			return unwrap(f)
		}
		// Methods on the addressable struct were covered above; nothing else
		// to try.
		return reflect.Value{}
	}
	return reflect.Value{}
}

// unwrap peels interface wrappers so the next lookup step sees the dynamic
// value.
func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// buildArgs converts the wire arguments to the function's parameter types.
func buildArgs(ctx context.Context, ft reflect.Type, chain []string, args []any) ([]reflect.Value, error) {
	params := make([]reflect.Type, 0, ft.NumIn())
	for i := 0; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	in := make([]reflect.Value, 0, len(params))
	if len(params) > 0 && params[0] == ctxType {
		in = append(in, reflect.ValueOf(ctx))
		params = params[1:]
	}

	fixed := len(params)
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, argCountError(chain, ft, len(args))
		}
	} else if len(args) != fixed {
		return nil, argCountError(chain, ft, len(args))
	}

	for i := 0; i < fixed; i++ {
		v, err := coerce(args[i], params[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, strings.Join(chain, "."), err)
		}
		in = append(in, v)
	}
	if ft.IsVariadic() {
		elem := params[fixed].Elem()
		for i := fixed; i < len(args); i++ {
			v, err := coerce(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d of %s: %w", i, strings.Join(chain, "."), err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func argCountError(chain []string, ft reflect.Type, got int) error {
	return fmt.Errorf("%s: wrong argument count: got %d for %s", strings.Join(chain, "."), got, ft)
}

// coerce converts one wire value to the target type. In-process values
// usually match exactly; values that crossed a codec arrive as float64,
// map[string]any or []any and are converted structurally.
func coerce(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(target), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type() == target {
		return v, nil
	}
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	if v.Type().ConvertibleTo(target) {
		switch target.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return v.Convert(target), nil
		case reflect.String:
			if v.Kind() == reflect.String {
				return v.Convert(target), nil
			}
		}
	}
	switch {
	case v.Kind() == reflect.Map && (target.Kind() == reflect.Struct ||
		(target.Kind() == reflect.Pointer && target.Elem().Kind() == reflect.Struct) ||
		target.Kind() == reflect.Map):
		return coerceViaJSON(arg, target)
	case v.Kind() == reflect.Slice && target.Kind() == reflect.Slice:
		out := reflect.MakeSlice(target, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			ev, err := coerce(v.Index(i).Interface(), target.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, target)
}

func coerceViaJSON(arg any, target reflect.Type) (reflect.Value, error) {
	dst := reflect.New(target)
	if err := jsonRoundTrip(arg, dst.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return dst.Elem(), nil
}

// splitResults maps the function's return values onto (ret, err).
func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errType) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if !out[1].Type().Implements(errType) {
			return nil, fmt.Errorf("dispatch: second return value must be error, got %s", out[1].Type())
		}
		return out[0].Interface(), asError(out[1])
	default:
		return nil, fmt.Errorf("dispatch: too many return values (%d)", len(out))
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
