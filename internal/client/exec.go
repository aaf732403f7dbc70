package client

import (
	"sync"

	"github.com/websoft9/sshbridge/internal/protocol"
)

// ExecResult is the outcome of a command, delivered via ExecHandle.Result.
type ExecResult struct {
	Code   *int
	Signal *string
}

// ExecOptions selects SIMPLE_COMMAND vs PTY_COMMAND framing (§4.3). Window
// size travels over RESIZE frames, not the command payload itself.
type ExecOptions struct {
	PTY bool
}

// ExecHandle is the {stdin, stdout, stderr, result} tuple returned by
// Client.Exec (§4.6). Stdout/stderr are delivered as a stream of chunks, in
// the order the remote process emitted them, on buffered channels; Result
// resolves exactly once. Stdout/Stderr are never closed — a caller ranging
// over them should stop once Result resolves.
type ExecHandle struct {
	client *Client

	mu     sync.Mutex
	stdout chan []byte
	stderr chan []byte
	result chan execOutcome
	stop   chan struct{}
	done   bool
}

type execOutcome struct {
	result ExecResult
	err    error
}

func newExecHandle(c *Client) *ExecHandle {
	return &ExecHandle{
		client: c,
		stdout: make(chan []byte, 64),
		stderr: make(chan []byte, 64),
		result: make(chan execOutcome, 1),
		stop:   make(chan struct{}),
	}
}

// Stdout returns the channel of stdout chunks. It delivers every chunk in
// order and blocks the read loop under backpressure rather than drop any;
// drain it until Result resolves.
func (h *ExecHandle) Stdout() <-chan []byte { return h.stdout }

// Stderr returns the channel of stderr chunks, with the same delivery and
// draining contract as Stdout.
func (h *ExecHandle) Stderr() <-chan []byte { return h.stderr }

// Result blocks for the command's terminal outcome, or the error that ended
// it early (SSH_ERROR, NO_SSH, CLOSED, ...).
func (h *ExecHandle) Result() (ExecResult, error) {
	o := <-h.result
	return o.result, o.err
}

// WriteStdin forwards data to the remote process's stdin.
func (h *ExecHandle) WriteStdin(data []byte) {
	h.client.writeRaw(protocol.Stdin, data)
}

// EndStdin signals end-of-input by sending a zero-length STDIN frame.
func (h *ExecHandle) EndStdin() {
	h.client.writeRaw(protocol.Stdin, nil)
}

// pushStdout blocks until the chunk is queued or the handle is torn down, so
// a slow reader applies backpressure to the connection's read loop rather
// than ever losing a chunk.
func (h *ExecHandle) pushStdout(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case h.stdout <- cp:
	case <-h.stop:
	}
}

func (h *ExecHandle) pushStderr(data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case h.stderr <- cp:
	case <-h.stop:
	}
}

func (h *ExecHandle) complete(result ExecResult) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()
	close(h.stop)
	h.result <- execOutcome{result: result}
}

func (h *ExecHandle) fail(err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()
	close(h.stop)
	h.result <- execOutcome{err: err}
}

// Exec only succeeds from Ready; it sends SIMPLE_COMMAND or PTY_COMMAND and
// transitions to Executing. The returned handle streams output and resolves
// once RESULT, DISCONNECTED or a fatal error arrives.
func (c *Client) Exec(command string, opts ExecOptions) (*ExecHandle, error) {
	c.mu.Lock()
	if stashed := c.takeStashedLocked(); stashed != nil {
		c.mu.Unlock()
		return nil, stashed
	}
	if c.state != Ready {
		c.mu.Unlock()
		return nil, &TerminalError{Kind: ProtocolError, Reason: "exec only valid in Ready"}
	}
	handle := newExecHandle(c)
	c.exec = handle
	c.state = Executing
	c.mu.Unlock()

	if opts.PTY {
		c.writeRaw(protocol.PTYCommand, []byte(command))
	} else {
		c.writeRaw(protocol.SimpleCommand, []byte(command))
	}
	return handle, nil
}
