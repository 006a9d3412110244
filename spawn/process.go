package spawn

import (
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/transport"
)

// ProcessConfig describes how to launch subprocess workers. The locator is
// appended as the final argument, so one binary can host several worker
// entry points and pick by locator. The worker side calls
// worker.ServeStdio with the matching codec.
type ProcessConfig struct {
	Command string
	Args    []string
	Codec   codec.Codec // defaults to JSON
	Logger  *zap.Logger
}

// Process builds a spawner that runs each worker as a subprocess and
// bridges its root channel over the child's stdin/stdout with the frame
// protocol.
func Process(cfg ProcessConfig) Spawner {
	return func(locator string) (Unit, error) {
		c := cfg.Codec
		if c == nil {
			c = &codec.JSONCodec{}
		}
		log := cfg.Logger
		if log == nil {
			log = zap.NewNop()
		}

		args := append(append([]string{}, cfg.Args...), locator)
		cmd := exec.Command(cfg.Command, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn: start %q: %w", cfg.Command, err)
		}

		bridge := transport.NewBridge(&stdioStream{w: stdin, r: stdout}, c,
			transport.WithBridgeLogger(log))
		return &processUnit{bridge: bridge, cmd: cmd, port: bridge.Root()}, nil
	}
}

// stdioStream glues the child's stdin (our write side) and stdout (our
// read side) into one stream for the bridge.
type stdioStream struct {
	w io.WriteCloser
	r io.ReadCloser
}

func (s *stdioStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdioStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stdioStream) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

type processUnit struct {
	bridge *transport.Bridge
	cmd    *exec.Cmd
	port   *transport.Port
}

func (u *processUnit) Port() *transport.Port { return u.port }

// Destroy closes the bridge (which closes the child's stdin, the usual
// exit signal for a stdio worker), then makes sure the process is gone.
func (u *processUnit) Destroy() error {
	err := u.bridge.Close()
	if u.cmd.Process != nil {
		_ = u.cmd.Process.Kill()
	}
	_ = u.cmd.Wait()
	return err
}
