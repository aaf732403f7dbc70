package sshadapter

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server used to exercise Establish
// and Exec without a real remote host, using a real listener rather than
// mocking the SSH library.
type testServer struct {
	listener net.Listener
	signer   ssh.Signer
	password string
	t        *testing.T
}

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	return &testServer{listener: ln, signer: signer, password: password, t: t}
}

func (s *testServer) addr() string {
	return s.listener.Addr().String()
}

func (s *testServer) hostKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// serveOne accepts exactly one connection and runs the SSH handshake plus a
// single exec/shell request, replying with a fixed exit status or echoing
// stdin to stdout. Returns when that connection ends, or at once if the
// listener is closed before a client connects.
func (s *testServer) serveOne(exitStatus int, echo bool) {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == s.password {
				return nil, nil
			}
			return nil, errAuthDenied
		},
	}
	cfg.AddHostKey(s.signer)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				switch req.Type {
				case "exec", "shell", "pty-req":
					if req.WantReply {
						req.Reply(true, nil)
					}
					if req.Type == "exec" || req.Type == "shell" {
						if echo {
							buf := make([]byte, 4096)
							for {
								n, err := ch.Read(buf)
								if n > 0 {
									ch.Write(buf[:n])
								}
								if err != nil {
									break
								}
							}
						}
						var status struct{ Status uint32 }
						status.Status = uint32(exitStatus)
						ch.SendRequest("exit-status", false, ssh.Marshal(&status))
						return
					}
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errAuthDenied = sentinelErr("denied")
