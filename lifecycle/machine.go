// Package lifecycle tracks a worker unit's readiness: Loading until the
// first ping reply, Listening until the init handshake succeeds, then
// Ready. Killed is absorbing and reachable from every state.
//
// The machine also owns the "connect once" guard: any number of callers may
// demand readiness concurrently, but only one connect sequence runs; the
// rest join its outcome. A failed attempt resets the guard so a later call
// can retry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrKilled is the terminal error for any operation attempted after the
// worker unit was killed.
var ErrKilled = errors.New("lifecycle: worker killed")

type State int32

const (
	Loading State = iota
	Listening
	Ready
	Killed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Listening:
		return "listening"
	case Ready:
		return "ready"
	case Killed:
		return "killed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connect runs the handshake that takes the machine from Loading to Ready.
// It is supplied by the owning controller and must call Advance itself as
// the handshake progresses.
type Connect func(ctx context.Context) error

type attempt struct {
	done chan struct{}
	err  error
}

// Machine is the per-worker state machine. The owning controller is the
// single writer; other goroutines only read the state or join the connect.
type Machine struct {
	mu      sync.Mutex
	state   State
	connect Connect
	current *attempt
}

// New creates a machine in Loading.
func New(connect Connect) *Machine {
	return &Machine{connect: connect}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves the machine forward. States only increase; moving backward
// or out of Killed is a programming error and fails.
func (m *Machine) Advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Killed {
		return ErrKilled
	}
	if to <= m.state {
		return fmt.Errorf("lifecycle: cannot advance from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}

// Kill moves to the absorbing Killed state. It reports whether this call
// was the one that performed the transition.
func (m *Machine) Kill() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Killed {
		return false
	}
	m.state = Killed
	return true
}

// EnsureReady returns once the machine is Ready, running the connect
// sequence if nobody has yet. Concurrent callers share one in-flight
// attempt. After a kill it fails immediately with ErrKilled and no further
// channel traffic is generated.
func (m *Machine) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Ready:
		m.mu.Unlock()
		return nil
	case Killed:
		m.mu.Unlock()
		return ErrKilled
	}
	att := m.current
	if att == nil {
		att = &attempt{done: make(chan struct{})}
		m.current = att
		go m.run(att)
	}
	m.mu.Unlock()

	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one connect attempt. The attempt context is independent of
// any single caller so that one caller timing out does not abort the
// handshake for the others; kill tears it down through the endpoint.
func (m *Machine) run(att *attempt) {
	att.err = m.connect(context.Background())
	m.mu.Lock()
	if att.err == nil && m.state != Killed {
		m.state = Ready
	}
	m.current = nil
	m.mu.Unlock()
	close(att.done)
}
