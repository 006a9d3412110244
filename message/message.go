// Package message defines the control-message contract between the two
// peers. Every message on the channel carries one of the string tags below
// plus a typed payload; replies travel back on the ephemeral reply port
// attached to the request.
//
//	tag            direction              payload             reply
//	ping           initiator → provider   (none)              PingReply once the provider is listening
//	init           initiator → provider   InitRequest         InitReply after the surface factory ran
//	exec-forward   initiator → provider   ExecRequest         ExecReply
//	exec-backward  provider → initiator   ExecRequest         ExecReply
//	terminate      initiator → provider   TerminateRequest    TerminateReply, then the worker dies
package message

import "worker-rpc/trace"

const (
	TypePing         = "ping"
	TypeInit         = "init"
	TypeExecForward  = "exec-forward"
	TypeExecBackward = "exec-backward"
	TypeTerminate    = "terminate"
)

// PingReply signals that the provider's message handler is installed.
type PingReply struct {
	Ready bool `json:"ready"`
}

// InitRequest carries the user options for the surface factory and whether
// the initiator exposed a host-callable surface of its own.
type InitRequest struct {
	Options     map[string]any `json:"options,omitempty"`
	HostSurface bool           `json:"hostSurface"`
}

// InitReply reports the outcome of the provider's surface factory.
type InitReply struct {
	Err *trace.Envelope `json:"err,omitempty"`
}

// ExecRequest is one captured call: the property chain accumulated by the
// proxy and the positional arguments of the terminating invocation.
type ExecRequest struct {
	Chain []string `json:"chain"`
	Args  []any    `json:"args"`
}

// ExecReply carries the return value or the enveloped failure.
type ExecReply struct {
	Ret any             `json:"ret,omitempty"`
	Err *trace.Envelope `json:"err,omitempty"`
}

// TerminateRequest asks the provider to shut down. LastWords is handed to
// every registered termination listener; Graceful decides whether the
// initiator waits for them before destroying the worker.
type TerminateRequest struct {
	LastWords any  `json:"lastWords,omitempty"`
	Graceful  bool `json:"graceful"`
}

// TerminateReply reports listener failures. Termination completes either way.
type TerminateReply struct {
	Err *trace.Envelope `json:"err,omitempty"`
}
