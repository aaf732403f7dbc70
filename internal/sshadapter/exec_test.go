package sshadapter

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func dialTestSession(t *testing.T, srv *testServer, password string) *Session {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	params := ConnectParams{
		Key:      CacheKey{Username: "u", Hostname: host, Port: port},
		Password: password,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := Establish(ctx, params, nil, nil)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	return sess
}

func TestExecNormalExit(t *testing.T) {
	srv := newTestServer(t, "pw")
	defer srv.listener.Close()
	go srv.serveOne(0, false)

	sess := dialTestSession(t, srv, "pw")
	defer sess.Close()

	obs := &recordingObserver{}
	sess.SetObserver(obs)
	sess.SetReusable(true)

	done := make(chan struct{})
	go func() {
		sess.Exec("true", false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exec did not return")
	}

	last := obs.last()
	if last == nil || last.Kind != EventResult {
		t.Fatalf("expected a Result event, got %v", obs.kinds())
	}
	if last.Result.Code == nil || *last.Result.Code != 0 {
		t.Fatalf("expected exit code 0, got %+v", last.Result)
	}
	if !sess.Reusable() {
		// reusable is independent of exec outcome unless the channel faults;
		// a clean exit must not taint the session.
		t.Fatal("clean exit marked the session non-reusable")
	}
}

func TestExecNonZeroExit(t *testing.T) {
	srv := newTestServer(t, "pw")
	defer srv.listener.Close()
	go srv.serveOne(7, false)

	sess := dialTestSession(t, srv, "pw")
	defer sess.Close()

	obs := &recordingObserver{}
	sess.SetObserver(obs)

	done := make(chan struct{})
	go func() {
		sess.Exec("false", false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exec did not return")
	}

	last := obs.last()
	if last == nil || last.Kind != EventResult {
		t.Fatalf("expected a Result event, got %v", obs.kinds())
	}
	if last.Result.Code == nil || *last.Result.Code != 7 {
		t.Fatalf("expected exit code 7, got %+v", last.Result)
	}
}

func TestExecEchoesStdoutAndStdin(t *testing.T) {
	srv := newTestServer(t, "pw")
	defer srv.listener.Close()
	go srv.serveOne(0, true)

	sess := dialTestSession(t, srv, "pw")
	defer sess.Close()

	obs := &recordingObserver{}
	sess.SetObserver(obs)

	if err := sess.WriteStdin([]byte("ping")); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}
	if err := sess.EndStdin(); err != nil {
		t.Fatalf("EndStdin: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sess.Exec("cat", false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exec did not return")
	}

	var gotStdout []byte
	for _, e := range obs.events {
		if e.Kind == EventStdout {
			gotStdout = append(gotStdout, e.Data...)
		}
	}
	if string(gotStdout) != "ping" {
		t.Fatalf("stdout = %q, want %q", gotStdout, "ping")
	}
}

func TestResizeClampsToBounds(t *testing.T) {
	srv := newTestServer(t, "pw")
	defer srv.listener.Close()
	go srv.serveOne(0, false)

	sess := dialTestSession(t, srv, "pw")
	defer sess.Close()

	sess.Resize(1000, 2000)
	rows, cols := sess.Window()
	if rows != 512 || cols != 512 {
		t.Fatalf("Window() = (%d,%d), want (512,512)", rows, cols)
	}

	sess.Resize(0, 0)
	rows, cols = sess.Window()
	if rows != 512 || cols != 512 {
		t.Fatalf("Window() after no-op resize = (%d,%d), want unchanged (512,512)", rows, cols)
	}

	sess.Resize(-5, -5)
	rows, cols = sess.Window()
	if rows != 512 || cols != 512 {
		t.Fatalf("Window() after negative resize = (%d,%d), want unchanged (512,512)", rows, cols)
	}
}
