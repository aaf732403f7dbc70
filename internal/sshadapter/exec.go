package sshadapter

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// ClampWindow applies the [1, 512] bound from §3/§4.3/§8: a dimension ≤ 0
// leaves that axis unchanged, then the upper bound is applied.
func ClampWindow(current, requested int) int {
	if requested <= 0 {
		return current
	}
	if requested > maxWindow {
		return maxWindow
	}
	if requested < minWindow {
		return minWindow
	}
	return requested
}

// Resize clamps and stores rows/cols. If a command channel is open, a
// window-change request is sent on it whether or not that channel has a PTY;
// otherwise the dimensions are stored for the next PTY channel opened by Exec.
func (s *Session) Resize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = ClampWindow(s.rows, rows)
	s.cols = ClampWindow(s.cols, cols)
	if s.current != nil {
		_ = s.current.WindowChange(s.rows, s.cols)
	} else {
		s.pendingRows, s.pendingCols = s.rows, s.cols
		s.hasPendingResize = true
	}
}

// WriteStdin writes to the current command's stdin. Before a channel exists,
// bytes are buffered and flushed once Exec opens one.
func (s *Session) WriteStdin(data []byte) error {
	s.mu.Lock()
	stdin := s.currentStdin
	if stdin == nil {
		cp := append([]byte(nil), data...)
		s.stdinQueue = append(s.stdinQueue, cp)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	_, err := stdin.Write(data)
	return err
}

// EndStdin half-closes the current command's stdin (EOF). Before a channel
// exists, the EOF is queued and applied once Exec opens one.
func (s *Session) EndStdin() error {
	s.mu.Lock()
	stdin := s.currentStdin
	if stdin == nil {
		s.stdinEOF = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return stdin.Close()
}

// Exec opens a command channel, optionally with a PTY, flushes any queued
// stdin/resize, and streams Stdout/Stderr/Result events to the observer
// (§4.3). A channel-level failure marks the session non-reusable (§9).
func (s *Session) Exec(command string, pty bool) {
	sess, err := s.client.NewSession()
	if err != nil {
		s.SetReusable(false)
		s.emitResult(nil, nil, err)
		return
	}

	s.mu.Lock()
	s.current = sess
	rows, cols := s.rows, s.cols
	if pty {
		if s.hasPendingResize {
			rows, cols = s.pendingRows, s.pendingCols
			s.hasPendingResize = false
		}
	}
	s.mu.Unlock()

	if pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
			_ = sess.Close()
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
			s.SetReusable(false)
			s.emitResult(nil, nil, err)
			return
		}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.SetReusable(false)
		s.emitResult(nil, nil, err)
		return
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.SetReusable(false)
		s.emitResult(nil, nil, err)
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.SetReusable(false)
		s.emitResult(nil, nil, err)
		return
	}

	s.mu.Lock()
	s.currentStdin = stdin
	queued := s.stdinQueue
	s.stdinQueue = nil
	eof := s.stdinEOF
	s.stdinEOF = false
	s.mu.Unlock()

	for _, chunk := range queued {
		if _, werr := stdin.Write(chunk); werr != nil {
			break
		}
	}
	if eof {
		_ = stdin.Close()
	}

	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		s.mu.Lock()
		s.current = nil
		s.currentStdin = nil
		s.mu.Unlock()
		s.SetReusable(false)
		s.emitResult(nil, nil, err)
		return
	}

	var stdoutDone, stderrDone = make(chan struct{}), make(chan struct{})
	go s.pump(stdout, EventStdout, stdoutDone)
	go s.pump(stderr, EventStderr, stderrDone)

	waitErr := sess.Wait()
	<-stdoutDone
	<-stderrDone

	_ = sess.Close()
	s.mu.Lock()
	s.current = nil
	s.currentStdin = nil
	s.mu.Unlock()

	s.emitExitResult(waitErr)
}

func (s *Session) pump(r io.Reader, kind EventKind, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.notify(Event{Kind: kind, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) notify(e Event) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs.Notify(e)
	}
}

// emitResult is used for errors that occur before the command starts
// (channel open, PTY request, pipe setup or start failure); it always
// carries an Err field, never Code/Signal.
func (s *Session) emitResult(code *int, signal *string, err error) {
	msg := err.Error()
	s.notify(Event{Kind: EventResult, Result: ExecResult{Code: code, Signal: signal, Err: &msg}})
}

// emitExitResult interprets the error returned by (*ssh.Session).Wait into
// the RESULT payload shape: code on normal exit, signal on signal
// termination, or error for any other channel-level failure.
func (s *Session) emitExitResult(waitErr error) {
	if waitErr == nil {
		code := 0
		s.notify(Event{Kind: EventResult, Result: ExecResult{Code: &code}})
		return
	}

	if exitErr, ok := waitErr.(*ssh.ExitError); ok {
		if exitErr.Signal() != "" {
			sig := exitErr.Signal()
			s.notify(Event{Kind: EventResult, Result: ExecResult{Signal: &sig}})
			return
		}
		code := exitErr.ExitStatus()
		s.notify(Event{Kind: EventResult, Result: ExecResult{Code: &code}})
		return
	}

	// Any other Wait error (missing exit status, channel closed, I/O error)
	// is a channel-level fault: taint the session and report it as an error.
	s.SetReusable(false)
	msg := waitErr.Error()
	s.notify(Event{Kind: EventResult, Result: ExecResult{Err: &msg}})
}
