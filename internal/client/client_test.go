package client

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/websoft9/sshbridge/internal/protocol"
)

// fakeDaemon is the other end of a net.Pipe, standing in for the real
// daemon so Client's frame handling can be tested without sockets or SSH.
type fakeDaemon struct {
	t   *testing.T
	enc *protocol.Encoder
	dec *protocol.Decoder
}

func newClientUnderTest(t *testing.T) (*Client, *fakeDaemon) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	c := New(clientConn)
	go c.Run()

	fd := &fakeDaemon{t: t, enc: protocol.NewEncoder(serverConn), dec: protocol.NewDecoder(serverConn)}
	t.Cleanup(func() { _ = serverConn.Close() })
	return c, fd
}

func (d *fakeDaemon) recv() protocol.Frame {
	d.t.Helper()
	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := d.dec.Read()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			d.t.Fatalf("read frame: %v", r.err)
		}
		return r.f
	case <-time.After(2 * time.Second):
		d.t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func (d *fakeDaemon) sendJSON(typ protocol.Type, payload any) {
	d.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		d.t.Fatalf("marshal: %v", err)
	}
	if err := d.enc.Encode(typ, data); err != nil {
		d.t.Fatalf("encode: %v", err)
	}
}

func (d *fakeDaemon) sendRaw(typ protocol.Type, data []byte) {
	d.t.Helper()
	if err := d.enc.Encode(typ, data); err != nil {
		d.t.Fatalf("encode: %v", err)
	}
}

func TestClientConnectSuccess(t *testing.T) {
	c, fd := newClientUnderTest(t)

	resultCh := make(chan ConnectResult, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.Connect(ConnectParams{Username: "u", Hostname: "h", Port: 22, Password: "pw"}, nil)
		resultCh <- r
		errCh <- err
	}()

	f := fd.recv()
	if f.Type != protocol.Connect {
		t.Fatalf("frame type = %s, want CONNECT", f.Type)
	}
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "abc"})

	r := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Success || r.Fingerprint != "abc" {
		t.Fatalf("result = %+v", r)
	}
	if !stateEq(c, Ready) {
		t.Fatalf("client state = %v, want Ready", c.state)
	}
}

func TestClientConnectUnconnectedStaysInitial(t *testing.T) {
	c, fd := newClientUnderTest(t)

	resultCh := make(chan ConnectResult, 1)
	go func() {
		r, _ := c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil)
		resultCh <- r
	}()

	fd.recv()
	fd.sendJSON(protocol.Unconnected, protocol.ReasonPayload{Reason: "authentication denied"})

	r := <-resultCh
	if r.Success || r.Reason != "authentication denied" {
		t.Fatalf("result = %+v", r)
	}
	if !stateEq(c, Initial) {
		t.Fatalf("client state = %v, want Initial", c.state)
	}
}

func TestClientConnectWithChallenge(t *testing.T) {
	c, fd := newClientUnderTest(t)

	var gotTitle string
	handler := func(ch Challenge) ([]string, error) {
		gotTitle = ch.Title
		return []string{"answer"}, nil
	}

	resultCh := make(chan ConnectResult, 1)
	go func() {
		r, _ := c.Connect(ConnectParams{Username: "u", Hostname: "h", TryKeyboard: true}, handler)
		resultCh <- r
	}()

	fd.recv() // CONNECT
	fd.sendJSON(protocol.Challenge, protocol.ChallengePayload{Title: "2fa", Prompts: []string{"code"}})

	f := fd.recv() // CHALLENGE_RESPONSE
	if f.Type != protocol.ChallengeResponse {
		t.Fatalf("frame type = %s, want CHALLENGE_RESPONSE", f.Type)
	}
	var p protocol.ChallengeResponsePayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Responses) != 1 || p.Responses[0] != "answer" {
		t.Fatalf("responses = %v", p.Responses)
	}
	if gotTitle != "2fa" {
		t.Fatalf("title = %q", gotTitle)
	}

	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	r := <-resultCh
	if !r.Success {
		t.Fatalf("result = %+v", r)
	}
}

func TestClientReuseOnlyValidInInitial(t *testing.T) {
	c, fd := newClientUnderTest(t)

	go func() {
		c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil)
	}()
	fd.recv()
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	time.Sleep(20 * time.Millisecond)

	_, err := c.Reuse(ConnectParams{Username: "u", Hostname: "h"})
	if err == nil {
		t.Fatal("expected error reusing from Ready")
	}
	te, ok := err.(*TerminalError)
	if !ok || te.Kind != ProtocolError {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestClientShareReturnsKey(t *testing.T) {
	c, fd := newClientUnderTest(t)

	go func() { c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil) }()
	fd.recv()
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	time.Sleep(20 * time.Millisecond)

	shareCh := make(chan string, 1)
	go func() {
		k, _ := c.Share()
		shareCh <- k
	}()
	f := fd.recv()
	if f.Type != protocol.Share {
		t.Fatalf("frame type = %s, want SHARE", f.Type)
	}
	fd.sendJSON(protocol.Shared, protocol.SharedPayload{ShareKey: "xyz"})

	if k := <-shareCh; k != "xyz" {
		t.Fatalf("share key = %q, want xyz", k)
	}
}

func TestClientExecStreamsAndResolves(t *testing.T) {
	c, fd := newClientUnderTest(t)

	go func() { c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil) }()
	fd.recv()
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	time.Sleep(20 * time.Millisecond)

	handle, err := c.Exec("echo hi", ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	cmdFrame := fd.recv()
	if cmdFrame.Type != protocol.SimpleCommand || string(cmdFrame.Data) != "echo hi" {
		t.Fatalf("frame = %+v", cmdFrame)
	}

	fd.sendRaw(protocol.Stdout, []byte("hi\n"))
	fd.sendJSON(protocol.Result, protocol.ResultPayload{Code: intPtr(0)})

	out := <-handle.Stdout()
	if string(out) != "hi\n" {
		t.Fatalf("stdout = %q", out)
	}
	res, err := handle.Result()
	if err != nil {
		t.Fatalf("result err: %v", err)
	}
	if res.Code == nil || *res.Code != 0 {
		t.Fatalf("code = %v", res.Code)
	}
}

func TestClientDisconnectedIsTerminal(t *testing.T) {
	c, fd := newClientUnderTest(t)

	go func() { c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil) }()
	fd.recv()
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	time.Sleep(20 * time.Millisecond)

	fd.sendJSON(protocol.Disconnected, protocol.ReasonPayload{Reason: "ssh connection reset"})
	time.Sleep(20 * time.Millisecond)

	if !stateEq(c, Errored) {
		t.Fatalf("client state = %v, want Errored", c.state)
	}
	if _, err := c.Share(); err == nil {
		t.Fatal("expected the stashed NO_SSH error on the next call")
	} else if te, ok := err.(*TerminalError); !ok || te.Kind != NoSSH {
		t.Fatalf("err = %v, want NoSSH", err)
	}
}

func TestClientExecResultErrorIsTerminal(t *testing.T) {
	c, fd := newClientUnderTest(t)

	go func() { c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil) }()
	fd.recv()
	fd.sendJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: "fp"})
	time.Sleep(20 * time.Millisecond)

	handle, err := c.Exec("echo hi", ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	fd.recv()

	reason := "remote process vanished"
	fd.sendJSON(protocol.Result, protocol.ResultPayload{Error: &reason})

	_, resErr := handle.Result()
	te, ok := resErr.(*TerminalError)
	if !ok || te.Kind != SSHError {
		t.Fatalf("result err = %v, want SSHError", resErr)
	}
	if !c.Closed() {
		t.Fatal("expected client to report Closed after SSH_ERROR")
	}
}

func TestClientCloseRejectsPendingConnect(t *testing.T) {
	c, _ := newClientUnderTest(t)

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(ConnectParams{Username: "u", Hostname: "h"}, nil)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	err := <-resultCh
	te, ok := err.(*TerminalError)
	if !ok || te.Kind != Closed {
		t.Fatalf("err = %v, want Closed", err)
	}
	if !c.Closed() {
		t.Fatal("expected client to report Closed")
	}
}

func intPtr(v int) *int { return &v }

func stateEq(c *Client, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == st
}
