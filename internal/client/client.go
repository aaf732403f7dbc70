// Package client implements the caller-side state machine of §4.6: it
// mirrors the daemon's alphabet and turns the framed wire protocol into
// connect/reuse/exec/share/resize/close operations with future-like results.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/websoft9/sshbridge/internal/protocol"
)

const (
	defaultRows = 24
	defaultCols = 80
)

// ConnectParams carries one connect()/reuse() attempt's inputs (§4.2).
type ConnectParams struct {
	Username          string
	Hostname          string
	Port              int
	ShareKey          string
	Fingerprint       string
	Reusable          bool
	PrivateKey        []byte
	PrivateKeyEncoded bool
	Passphrase        string
	Password          string
	TryKeyboard       bool
}

// Challenge is the keyboard-interactive prompt relayed from the daemon.
type Challenge struct {
	Title        string
	Instructions string
	Language     string
	Prompts      []string
}

// ChallengeHandler answers a keyboard-interactive challenge. An error
// produces a fatal CHALLENGE_ERROR (§4.6).
type ChallengeHandler func(Challenge) ([]string, error)

// ConnectResult is the outcome of connect()/reuse().
type ConnectResult struct {
	Success     bool
	Fingerprint string
	Banner      *string
	Reason      string
}

// Client is one caller-side connection to the daemon over the local
// stream transport (§6).
type Client struct {
	conn net.Conn
	dec  *protocol.Decoder

	writeMu sync.Mutex
	enc     *protocol.Encoder

	mu               sync.Mutex
	state            State
	attempt          uint64
	rows, cols       int
	challengeHandler ChallengeHandler
	pendingConnect   chan connectOutcome
	pendingShare     chan shareOutcome
	exec             *ExecHandle
	stashedErr       error
	closeOnce        sync.Once
	closed           bool
}

type connectOutcome struct {
	result ConnectResult
	err    error
}

type shareOutcome struct {
	key string
	err error
}

// New wraps conn (already connected to the daemon's socket) in a fresh
// Initial-state client.
func New(conn net.Conn) *Client {
	return &Client{
		conn:  conn,
		dec:   protocol.NewDecoder(conn),
		enc:   protocol.NewEncoder(conn),
		state: Initial,
		rows:  defaultRows,
		cols:  defaultCols,
	}
}

// Run drives the read loop; callers must run it on its own goroutine for
// the lifetime of the Client. It returns once the connection is closed.
func (c *Client) Run() {
	for {
		f, err := c.dec.Read()
		if err != nil {
			c.terminal(&TerminalError{Kind: NoDaemon, Reason: "local stream closed"})
			return
		}
		if !c.handleFrame(f) {
			return
		}
	}
}

// Closed reports whether the client has reached Errored.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Errored
}

// Connect only succeeds from Initial; it sends CONNECT and blocks for
// CONNECTED/UNCONNECTED, relaying any CHALLENGE to handler.
func (c *Client) Connect(params ConnectParams, handler ChallengeHandler) (ConnectResult, error) {
	return c.beginConnect(protocol.Connect, params, handler)
}

// Reuse only succeeds from Initial; it sends REUSE and blocks for
// CONNECTED/UNCONNECTED.
func (c *Client) Reuse(params ConnectParams) (ConnectResult, error) {
	return c.beginConnect(protocol.Reuse, params, nil)
}

func (c *Client) beginConnect(frameType protocol.Type, params ConnectParams, handler ChallengeHandler) (ConnectResult, error) {
	c.mu.Lock()
	if stashed := c.takeStashedLocked(); stashed != nil {
		c.mu.Unlock()
		return ConnectResult{}, stashed
	}
	if c.state != Initial {
		c.mu.Unlock()
		return ConnectResult{}, &TerminalError{Kind: ProtocolError, Reason: "connect/reuse only valid in Initial"}
	}
	c.attempt++
	c.state = Connecting
	c.challengeHandler = handler
	ch := make(chan connectOutcome, 1)
	c.pendingConnect = ch
	c.mu.Unlock()

	if frameType == protocol.Connect {
		c.writeJSON(protocol.Connect, connectPayload(params))
	} else {
		c.writeJSON(protocol.Reuse, protocol.ReusePayload{
			Username: params.Username,
			Hostname: params.Hostname,
			Port:     params.Port,
			ShareKey: params.ShareKey,
		})
	}

	o := <-ch
	return o.result, o.err
}

func connectPayload(p ConnectParams) protocol.ConnectPayload {
	return protocol.ConnectPayload{
		Username:          p.Username,
		Hostname:          p.Hostname,
		Port:              p.Port,
		ShareKey:          p.ShareKey,
		Fingerprint:       p.Fingerprint,
		Reusable:          p.Reusable,
		PrivateKey:        string(p.PrivateKey),
		PrivateKeyEncoded: p.PrivateKeyEncoded,
		Passphrase:        p.Passphrase,
		Password:          p.Password,
		TryKeyboard:       p.TryKeyboard,
	}
}

// Share only succeeds from Ready; it sends SHARE and blocks for SHARED.
func (c *Client) Share() (string, error) {
	c.mu.Lock()
	if stashed := c.takeStashedLocked(); stashed != nil {
		c.mu.Unlock()
		return "", stashed
	}
	if c.state != Ready {
		c.mu.Unlock()
		return "", &TerminalError{Kind: ProtocolError, Reason: "share only valid in Ready"}
	}
	ch := make(chan shareOutcome, 1)
	c.pendingShare = ch
	c.mu.Unlock()

	c.writeJSON(protocol.Share, struct{}{})

	o := <-ch
	return o.key, o.err
}

// Resize is valid in any non-Errored state (§4.6).
func (c *Client) Resize(rows, cols int) {
	c.mu.Lock()
	if c.state == Errored {
		c.mu.Unlock()
		return
	}
	c.rows, c.cols = rows, cols
	c.mu.Unlock()
	c.writeJSON(protocol.Resize, protocol.ResizePayload{Rows: rows, Cols: cols})
}

// Close transitions to Errored, cancels the pending operation with a CLOSED
// error, and closes the underlying socket. Never returns an error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.terminal(&TerminalError{Kind: Closed, Reason: "closed by caller"})
	})
}

// terminal rejects whatever operation is in flight with err, stashes it if
// none is in flight, and moves the client to Errored. Only the first terminal
// error counts: once the client is closed, later ones (such as the read
// error that follows closing the socket) are ignored.
func (c *Client) terminal(err *TerminalError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = Errored
	pendingConnect := c.pendingConnect
	c.pendingConnect = nil
	pendingShare := c.pendingShare
	c.pendingShare = nil
	exec := c.exec
	c.exec = nil
	if pendingConnect == nil && pendingShare == nil && exec == nil {
		c.stashedErr = err
	} else {
		c.stashedErr = nil
	}
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if pendingConnect != nil {
		pendingConnect <- connectOutcome{err: err}
	}
	if pendingShare != nil {
		pendingShare <- shareOutcome{err: err}
	}
	if exec != nil {
		exec.fail(err)
	}
	if !alreadyClosed {
		_ = c.conn.Close()
	}
}

func (c *Client) takeStashedLocked() error {
	if c.stashedErr != nil {
		err := c.stashedErr
		c.stashedErr = nil
		return err
	}
	return nil
}

func (c *Client) writeJSON(t protocol.Type, payload any) {
	data, merr := json.Marshal(payload)
	if merr != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.enc.Encode(t, data)
}

func (c *Client) writeRaw(t protocol.Type, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.enc.Encode(t, data)
}

func (c *Client) handleFrame(f protocol.Frame) bool {
	switch f.Type {
	case protocol.Connected:
		var p protocol.ConnectedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.terminal(&TerminalError{Kind: ProtocolError, Reason: err.Error()})
			return false
		}
		c.resolveConnect(ConnectResult{Success: true, Fingerprint: p.Fingerprint, Banner: p.Banner}, Ready)
		return true

	case protocol.Unconnected:
		var p protocol.ReasonPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.terminal(&TerminalError{Kind: ProtocolError, Reason: err.Error()})
			return false
		}
		c.resolveConnect(ConnectResult{Success: false, Reason: p.Reason}, Initial)
		return true

	case protocol.Disconnected:
		var p protocol.ReasonPayload
		_ = json.Unmarshal(f.Data, &p)
		c.handleSSHDrop(p.Reason)
		return true

	case protocol.Challenge:
		var p protocol.ChallengePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.terminal(&TerminalError{Kind: ProtocolError, Reason: err.Error()})
			return false
		}
		c.handleChallenge(Challenge{Title: p.Title, Instructions: p.Instructions, Language: p.Language, Prompts: p.Prompts})
		return true

	case protocol.Shared:
		var p protocol.SharedPayload
		_ = json.Unmarshal(f.Data, &p)
		c.mu.Lock()
		ch := c.pendingShare
		c.pendingShare = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- shareOutcome{key: p.ShareKey}
		}
		return true

	case protocol.Stdout:
		c.deliverStream(true, f.Data)
		return true

	case protocol.Stderr:
		c.deliverStream(false, f.Data)
		return true

	case protocol.Result:
		var p protocol.ResultPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.terminal(&TerminalError{Kind: ProtocolError, Reason: err.Error()})
			return false
		}
		c.deliverResult(p)
		return true

	case protocol.Exception:
		var p protocol.ReasonPayload
		_ = json.Unmarshal(f.Data, &p)
		c.terminal(&TerminalError{Kind: DaemonError, Reason: p.Reason})
		return false

	default:
		c.terminal(&TerminalError{Kind: ProtocolError, Reason: fmt.Sprintf("unexpected frame %s", f.Type)})
		return false
	}
}

func (c *Client) resolveConnect(result ConnectResult, next State) {
	c.mu.Lock()
	ch := c.pendingConnect
	c.pendingConnect = nil
	c.challengeHandler = nil
	if c.state == Connecting {
		c.state = next
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- connectOutcome{result: result}
	}
}

func (c *Client) handleChallenge(info Challenge) {
	c.mu.Lock()
	handler := c.challengeHandler
	myAttempt := c.attempt
	c.mu.Unlock()
	if handler == nil {
		return
	}

	go func() {
		responses, err := handler(info)

		c.mu.Lock()
		stillCurrent := c.attempt == myAttempt && c.state == Connecting
		c.mu.Unlock()
		if !stillCurrent {
			return
		}

		if err != nil {
			c.terminal(&TerminalError{Kind: ChallengeError, Reason: err.Error()})
			return
		}
		c.writeJSON(protocol.ChallengeResponse, protocol.ChallengeResponsePayload{Responses: responses})
	}()
}

func (c *Client) handleSSHDrop(reason string) {
	c.terminal(&TerminalError{Kind: NoSSH, Reason: reason})
}

func (c *Client) deliverStream(stdout bool, data []byte) {
	c.mu.Lock()
	exec := c.exec
	c.mu.Unlock()
	if exec == nil {
		return
	}
	if stdout {
		exec.pushStdout(data)
	} else {
		exec.pushStderr(data)
	}
}

func (c *Client) deliverResult(p protocol.ResultPayload) {
	if p.Error != nil {
		c.terminal(&TerminalError{Kind: SSHError, Reason: *p.Error})
		return
	}
	c.mu.Lock()
	exec := c.exec
	c.exec = nil
	if c.state == Executing {
		c.state = Ready
	}
	c.mu.Unlock()
	if exec == nil {
		return
	}
	exec.complete(ExecResult{Code: p.Code, Signal: p.Signal})
}
